package toast

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	tt := NewLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	tt.Error("send failed", errors.New("boom"))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "ERROR", rec["level"])
	assert.Equal(t, "send failed", rec["msg"])
	assert.Equal(t, "boom", rec["error"])
	assert.Equal(t, true, rec["toast"])
}

func TestDiscard(t *testing.T) {
	var tt Toaster = Discard{}
	tt.Info("x")
	tt.Error("y", nil)
}
