package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/keelmq/keel-go/contracts"
)

// DeadLetterConfig bounds the store. A MaxSize at or below zero takes the
// default of 1000 entries.
type DeadLetterConfig struct {
	MaxSize int
}

func (c DeadLetterConfig) withDefaults() DeadLetterConfig {
	if c.MaxSize <= 0 {
		c.MaxSize = 1000
	}
	return c
}

// DeadLetterEntry wraps a message that permanently failed processing.
// Entries are owned by the store: they are created on terminal failure and
// removed by successful reprocessing, explicit removal, capacity eviction,
// or an age sweep.
type DeadLetterEntry struct {
	Message             *contracts.Message `json:"message"`
	Topic               string             `json:"topic"`
	Reason              string             `json:"reason"`
	FailedAt            time.Time          `json:"failedAt"`
	RetryCountAtFailure int                `json:"retryCountAtFailure"`
}

// ReprocessHandler retries a dead-lettered message.
type ReprocessHandler func(ctx context.Context, msg *contracts.Message) error

// DeadLetterStore is a bounded, in-memory store of permanently failed
// messages. Inserting past capacity evicts the oldest entry first.
type DeadLetterStore struct {
	mu      sync.Mutex
	cfg     DeadLetterConfig
	entries map[string]*DeadLetterEntry
	order   []string // insertion order, oldest first
}

// NewDeadLetterStore creates an empty store.
func NewDeadLetterStore(cfg DeadLetterConfig) *DeadLetterStore {
	return &DeadLetterStore{
		cfg:     cfg.withDefaults(),
		entries: make(map[string]*DeadLetterEntry),
	}
}

// Add stores msg with the error that killed it. Re-adding an ID replaces
// the previous entry; its slot in the eviction order is refreshed.
func (s *DeadLetterStore) Add(msg *contracts.Message, cause error, topic string) *DeadLetterEntry {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	entry := &DeadLetterEntry{
		Message:             msg,
		Topic:               topic,
		Reason:              reason,
		FailedAt:            time.Now().UTC(),
		RetryCountAtFailure: msg.RetryCount,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[msg.ID]; ok {
		s.removeFromOrder(msg.ID)
	} else if len(s.entries) >= s.cfg.MaxSize {
		s.evictOldest()
	}

	s.entries[msg.ID] = entry
	s.order = append(s.order, msg.ID)
	return entry
}

// Get returns the entry for id.
func (s *DeadLetterStore) Get(id string) (*DeadLetterEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	return entry, ok
}

// List returns all entries, oldest first.
func (s *DeadLetterStore) List() []*DeadLetterEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*DeadLetterEntry, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.entries[id])
	}
	return out
}

// ListByTopic returns all entries for topic, oldest first.
func (s *DeadLetterStore) ListByTopic(topic string) []*DeadLetterEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*DeadLetterEntry
	for _, id := range s.order {
		if entry := s.entries[id]; entry.Topic == topic {
			out = append(out, entry)
		}
	}
	return out
}

// Remove deletes the entry for id and reports whether it existed.
func (s *DeadLetterStore) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; !ok {
		return false
	}
	delete(s.entries, id)
	s.removeFromOrder(id)
	return true
}

// Len returns the number of stored entries.
func (s *DeadLetterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Reprocess resets the entry's retry count and hands the message to
// handler. On success the entry is removed and (true, nil) returned. On
// failure the entry stays in place for a later attempt and the handler
// error is returned wrapped in a *DeadLetterError.
func (s *DeadLetterStore) Reprocess(ctx context.Context, id string, handler ReprocessHandler) (bool, error) {
	s.mu.Lock()
	entry, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return false, &DeadLetterError{Op: "reprocess", MessageID: id, Err: ErrEntryNotFound}
	}
	entry.Message.RetryCount = 0
	s.mu.Unlock()

	// The handler runs outside the lock; it may publish through the very
	// executor that dead-lettered this message.
	if err := handler(ctx, entry.Message); err != nil {
		return false, &DeadLetterError{Op: "reprocess", MessageID: id, Err: err}
	}

	s.mu.Lock()
	delete(s.entries, id)
	s.removeFromOrder(id)
	s.mu.Unlock()
	return true, nil
}

// Sweep removes entries that failed more than maxAge ago and returns how
// many were removed.
func (s *DeadLetterStore) Sweep(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	kept := s.order[:0]
	for _, id := range s.order {
		if s.entries[id].FailedAt.Before(cutoff) {
			delete(s.entries, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return removed
}

// evictOldest drops the oldest entry. Callers must hold s.mu.
func (s *DeadLetterStore) evictOldest() {
	if len(s.order) == 0 {
		return
	}
	delete(s.entries, s.order[0])
	s.order = s.order[1:]
}

// removeFromOrder drops id from the insertion order. Callers must hold s.mu.
func (s *DeadLetterStore) removeFromOrder(id string) {
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}
