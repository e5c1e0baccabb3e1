package matchkit

import (
	"strings"
	"sync"
)

// MessageStore is the authoritative in-memory message collection for one
// match. Entries keep arrival order; timestamp ordering is a display concern
// left to the consumer. The store never holds two entries with the same
// non-empty id.
type MessageStore struct {
	mu    sync.RWMutex
	order []*Message
	byID  map[string]*Message
}

// NewMessageStore creates an empty store.
func NewMessageStore() *MessageStore {
	return &MessageStore{byID: make(map[string]*Message)}
}

// Append adds msg at the end of the collection. It reports false without
// mutating anything when an entry with the same id already exists.
func (s *MessageStore) Append(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID != "" {
		if _, exists := s.byID[msg.ID]; exists {
			return false
		}
	}
	m := msg
	s.order = append(s.order, &m)
	if m.ID != "" {
		s.byID[m.ID] = &m
	}
	return true
}

// UpsertByIDOrMatch merges msg into the store.
//
// If an entry with msg.ID exists, nothing changes and its id is returned.
// Otherwise, if match selects an existing entry (oldest first), that entry
// is replaced in place by msg, keeping its position: this is how an
// optimistic placeholder adopts its server identity. Failing both, msg is
// appended. The returned bool reports whether a new entry was appended.
func (s *MessageStore) UpsertByIDOrMatch(msg Message, match func(Message) bool) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID != "" {
		if _, exists := s.byID[msg.ID]; exists {
			return msg.ID, false
		}
	}

	if match != nil {
		for _, entry := range s.order {
			if !match(*entry) {
				continue
			}
			delete(s.byID, entry.ID)
			*entry = msg
			if entry.ID != "" {
				s.byID[entry.ID] = entry
			}
			return entry.ID, false
		}
	}

	m := msg
	s.order = append(s.order, &m)
	if m.ID != "" {
		s.byID[m.ID] = &m
	}
	return m.ID, true
}

// PatchStatus moves the entry with the given id to status. Illegal
// transitions (regressions, repeated patches) are ignored, which makes
// duplicate deliveries idempotent. It reports whether the entry changed.
func (s *MessageStore) PatchStatus(id string, status MessageStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.byID[id]
	if !ok || !allowedTransition(entry.Status, status) {
		return false
	}
	entry.Status = status
	return true
}

// Get returns a copy of the entry with the given id.
func (s *MessageStore) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.byID[id]
	if !ok {
		return Message{}, false
	}
	return *entry, true
}

// Remove deletes the entry with the given id, preserving the order of the
// rest. Used when a REST acknowledgment races a push echo and the echo wins.
func (s *MessageStore) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.byID[id]
	if !ok {
		return false
	}
	delete(s.byID, id)
	for i, e := range s.order {
		if e == entry {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// All returns a copy of every entry in arrival order.
func (s *MessageStore) All() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Message, len(s.order))
	for i, e := range s.order {
		out[i] = *e
	}
	return out
}

// Len returns the number of entries.
func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

func isTempID(id string) bool {
	return strings.HasPrefix(id, "temp-")
}
