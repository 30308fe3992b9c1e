package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePruner struct {
	mu      sync.Mutex
	batches []int64
	calls   int
}

func (f *fakePruner) PruneRead(context.Context, time.Duration, int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.batches) == 0 {
		return 0, nil
	}
	n := f.batches[0]
	f.batches = f.batches[1:]
	return n, nil
}

func TestScheduler_PrunesUntilShortBatch(t *testing.T) {
	p := &fakePruner{batches: []int64{10, 10, 3}}
	s := New(p, Config{Interval: time.Hour, BatchSize: 10}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.calls >= 3
	}, time.Second, 5*time.Millisecond)

	// the short third batch ends the run
	time.Sleep(20 * time.Millisecond)
	p.mu.Lock()
	assert.Equal(t, 3, p.calls)
	p.mu.Unlock()
}

func TestScheduler_StopIsIdempotent(t *testing.T) {
	p := &fakePruner{}
	s := New(p, Config{Interval: time.Hour}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	s.Start(context.Background())
	s.Start(context.Background())
	s.Stop()
	s.Stop()
}
