package task

import (
	"strings"
	"time"
)

// SortOrder selects how listed tasks are ordered.
type SortOrder int

const (
	// SortByUpdatedDesc returns the most recently touched tasks first.
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc returns the longest-untouched tasks first.
	SortByUpdatedAsc
)

// ListOptions is the fully resolved filter a store query runs under.
// Callers build it through ListOption functions; stores receive it with
// defaults already applied.
type ListOptions struct {
	Limit      int
	Offset     int
	Statuses   []Status
	AgentID    string
	UpdatedGTE int64
	UpdatedLTE int64
	HasOutcome *bool
	Order      SortOrder
	Query      string
}

// applyDefaults clamps the paging window and drops invalid filter values.
func (opts *ListOptions) applyDefaults() {
	opts.Limit = clamp(opts.Limit, 20, 100)
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Statuses != nil {
		opts.Statuses = dedupeStatuses(opts.Statuses)
	}
	if opts.Order != SortByUpdatedAsc {
		opts.Order = SortByUpdatedDesc
	}
	opts.AgentID = strings.TrimSpace(opts.AgentID)
	opts.Query = strings.TrimSpace(opts.Query)
}

func clamp(v, def, max int) int {
	if v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}

// ListOption adjusts one ListOptions field.
type ListOption func(*ListOptions)

// WithLimit caps the number of returned tasks.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matches, for paging.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithStatuses keeps only tasks in one of the given states.
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithAgent keeps only tasks targeting the given agent.
func WithAgent(agentID string) ListOption {
	return func(opts *ListOptions) {
		opts.AgentID = agentID
	}
}

// WithUpdatedSince keeps tasks touched at or after ts.
func WithUpdatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.UpdatedGTE = 0
			return
		}
		opts.UpdatedGTE = ts.Unix()
	}
}

// WithUpdatedUntil keeps tasks touched at or before ts.
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.UpdatedLTE = 0
			return
		}
		opts.UpdatedLTE = ts.Unix()
	}
}

// WithOutcomePresence keeps tasks with (or without) a recorded verification
// outcome.
func WithOutcomePresence(hasOutcome bool) ListOption {
	return func(opts *ListOptions) {
		opts.HasOutcome = new(bool)
		*opts.HasOutcome = hasOutcome
	}
}

// WithSortOrder changes the result ordering.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// WithQuery keeps tasks whose input, agent id or outcome text contains the
// query substring.
func WithQuery(query string) ListOption {
	return func(opts *ListOptions) {
		opts.Query = query
	}
}

// buildListOptions folds option functions over the zero value and applies
// defaults.
func buildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

// dedupeStatuses keeps the first occurrence of each valid status, preserving
// caller order. Nil means "no status filter".
func dedupeStatuses(input []Status) []Status {
	var result []Status
	for _, status := range input {
		if !IsValidStatus(status) {
			continue
		}
		if !containsStatus(result, status) {
			result = append(result, status)
		}
	}
	return result
}

func containsStatus(list []Status, status Status) bool {
	for _, s := range list {
		if s == status {
			return true
		}
	}
	return false
}
