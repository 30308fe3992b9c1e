package realtime

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// predicate is a parsed "column=eq.value" filter
type predicate struct {
	column string
	value  string
}

func parsePredicate(filter string) (*predicate, error) {
	if filter == "" {
		return nil, nil
	}
	column, rest, ok := strings.Cut(filter, "=")
	if !ok || column == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFilter, filter)
	}
	value, ok := strings.CutPrefix(rest, "eq.")
	if !ok {
		return nil, fmt.Errorf("%w: only eq is supported: %q", ErrInvalidFilter, filter)
	}
	return &predicate{column: column, value: value}, nil
}

// ValidateFilter checks a change filter before it is accepted on join
func ValidateFilter(f ChangeFilter) error {
	switch strings.ToUpper(f.Event) {
	case "INSERT", "UPDATE", "DELETE", "*":
	default:
		return fmt.Errorf("%w: event %q", ErrInvalidFilter, f.Event)
	}
	if f.Table == "" {
		return fmt.Errorf("%w: table is required", ErrInvalidFilter)
	}
	_, err := parsePredicate(f.Filter)
	return err
}

// Matches reports whether the change passes the filter
func (f ChangeFilter) Matches(c Change) bool {
	if f.Event != "*" && !strings.EqualFold(f.Event, c.Type) {
		return false
	}
	schema := f.Schema
	if schema == "" {
		schema = "public"
	}
	if schema != "*" && schema != c.Schema {
		return false
	}
	if f.Table != "*" && f.Table != c.Table {
		return false
	}

	p, err := parsePredicate(f.Filter)
	if err != nil {
		return false
	}
	if p == nil {
		return true
	}

	var record map[string]json.RawMessage
	if err := json.Unmarshal(c.Record, &record); err != nil {
		return false
	}
	raw, ok := record[p.column]
	if !ok {
		return false
	}
	return columnText(raw) == p.value
}

// columnText renders a JSON scalar the way it appears in a filter
func columnText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return strconv.FormatBool(b)
	}
	return strings.TrimSpace(string(raw))
}
