// Package notify carries the side-channel notices the name engine emits:
// admin merge requests, registry-identifier conflicts, and nontrivial
// change notices. Payloads are queued fire-and-forget; a dispatcher
// drains the queue out of band.
package notify

import (
	"context"
	"sync"
	"time"
)

type Kind string

const (
	KindAdminMergeRequest Kind = "admin_merge_request"
	KindIDConflict        Kind = "id_conflict"
	KindNontrivialChange  Kind = "nontrivial_change"
)

// Payload is one queued notice. Fields that do not apply to a kind stay
// zero; the dispatcher formats around them.
type Payload struct {
	Kind           Kind      `json:"kind"`
	RequesterID    string    `json:"requester_id"`
	RequesterLogin string    `json:"requester_login"`
	SurvivorID     int64     `json:"survivor_id,omitempty"`
	MergedID       int64     `json:"merged_id,omitempty"`
	NameID         int64     `json:"name_id,omitempty"`
	SurvivorName   string    `json:"survivor_name,omitempty"`
	MergedName     string    `json:"merged_name,omitempty"`
	OldName        string    `json:"old_name,omitempty"`
	NewName        string    `json:"new_name,omitempty"`
	Namings        int       `json:"namings,omitempty"`
	Note           string    `json:"note,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Sink accepts payloads. Implementations must be safe for concurrent use.
type Sink interface {
	Record(ctx context.Context, p Payload) error
}

// MemorySink collects payloads in memory; used in tests and as the
// fallback when no queue is configured.
type MemorySink struct {
	mu       sync.Mutex
	payloads []Payload
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Record(_ context.Context, p Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	s.payloads = append(s.payloads, p)
	return nil
}

func (s *MemorySink) Payloads() []Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Payload, len(s.payloads))
	copy(out, s.payloads)
	return out
}
