package queue

import (
	"fmt"
	"sync"
)

func errNotStored(id string) error {
	return fmt.Errorf("message %s is not stored", id)
}

// Store persists outbox entries. Room and All return entries in arrival
// order; that order is the replay order.
type Store interface {
	// Put inserts an entry. It returns false without error when the id
	// is already stored.
	Put(m Message) (bool, error)
	Get(id string) (Message, bool, error)
	Update(m Message) error
	Delete(id string) error
	Room(roomID string) ([]Message, error)
	All() ([]Message, error)
	Len() (int, error)
	ClearRoom(roomID string) error
	Close() error
}

// NewMemoryStore keeps the outbox in process memory. The signaling relay
// uses it; chat wants the sqlite store so drafts survive a restart.
func NewMemoryStore() Store {
	return &memoryStore{}
}

type memoryStore struct {
	mu   sync.Mutex
	rows []Message
}

func (s *memoryStore) find(id string) int {
	for i := range s.rows {
		if s.rows[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *memoryStore) Put(m Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.find(m.ID) >= 0 {
		return false, nil
	}
	s.rows = append(s.rows, m)
	return true, nil
}

func (s *memoryStore) Get(id string) (Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.find(id)
	if i < 0 {
		return Message{}, false, nil
	}
	return s.rows[i], true, nil
}

func (s *memoryStore) Update(m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.find(m.ID)
	if i < 0 {
		return errNotStored(m.ID)
	}
	s.rows[i] = m
	return nil
}

func (s *memoryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.find(id)
	if i < 0 {
		return nil
	}
	s.rows = append(s.rows[:i], s.rows[i+1:]...)
	return nil
}

func (s *memoryStore) Room(roomID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.rows {
		if m.RoomID == roomID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memoryStore) All() ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.rows))
	copy(out, s.rows)
	return out, nil
}

func (s *memoryStore) Len() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows), nil
}

func (s *memoryStore) ClearRoom(roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.rows[:0]
	for _, m := range s.rows {
		if m.RoomID != roomID {
			kept = append(kept, m)
		}
	}
	s.rows = kept
	return nil
}

func (s *memoryStore) Close() error { return nil }
