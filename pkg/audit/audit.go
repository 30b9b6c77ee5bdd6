// Package audit keeps a trail of resolved handoffs and driver switches.
package audit

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

var ErrNotFound = errors.New("audit entry not found")

type Kind string

const (
	KindHandoff Kind = "handoff"
	KindSwitch  Kind = "switch"
)

type (
	Entry struct {
		Kind         Kind      `json:"kind"`
		ID           string    `json:"id"`
		FromDriverID string    `json:"fromDriverId"`
		ToDriverID   string    `json:"toDriverId"`
		Outcome      string    `json:"outcome"`
		Reason       string    `json:"reason,omitempty"`
		Notes        string    `json:"notes,omitempty"`
		CreatedAt    time.Time `json:"createdAt"`
		ResolvedAt   time.Time `json:"resolvedAt"`
	}

	// Sink persists entries. Failures are reported to the caller, who logs
	// them; they never change the outcome that is being recorded.
	Sink interface {
		Record(ctx context.Context, e Entry) error
	}
)

func (e Entry) Key() string {
	return string(e.Kind) + "." + e.ID
}

// MemorySink keeps entries in memory in recording order.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Record(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *MemorySink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.entries)
}

// Get returns the latest entry recorded for kind and id.
func (s *MemorySink) Get(_ context.Context, kind Kind, id string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].Kind == kind && s.entries[i].ID == id {
			return s.entries[i], nil
		}
	}
	return Entry{}, ErrNotFound
}

// Discard drops every entry.
type Discard struct{}

func (Discard) Record(context.Context, Entry) error { return nil }
