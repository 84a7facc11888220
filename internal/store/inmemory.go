package store

import (
	"context"
	"sync"

	"github.com/antoniostano/merlin/internal/mr"
)

// InMemoryTranscriptStore keeps the transcript in process memory only.
type InMemoryTranscriptStore struct {
	mu    sync.RWMutex
	turns []mr.Turn
}

func NewInMemoryTranscriptStore() *InMemoryTranscriptStore {
	return &InMemoryTranscriptStore{}
}

func (s *InMemoryTranscriptStore) Append(_ context.Context, turn mr.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, turn)
	return nil
}

func (s *InMemoryTranscriptStore) ReplaceAll(_ context.Context, turns []mr.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append([]mr.Turn(nil), turns...)
	return nil
}

func (s *InMemoryTranscriptStore) ClearAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = nil
	return nil
}

func (s *InMemoryTranscriptStore) All(_ context.Context) ([]mr.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]mr.Turn(nil), s.turns...), nil
}

func (s *InMemoryTranscriptStore) Close() error { return nil }

// InMemoryRelationStore keeps relations in process memory only.
type InMemoryRelationStore struct {
	mu   sync.RWMutex
	rels []mr.Relation
}

func NewInMemoryRelationStore() *InMemoryRelationStore {
	return &InMemoryRelationStore{}
}

func (s *InMemoryRelationStore) Append(_ context.Context, rel mr.Relation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rels = append(s.rels, rel)
	return nil
}

func (s *InMemoryRelationStore) UpdateStatus(_ context.Context, id string, status mr.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rels {
		if s.rels[i].ID == id {
			s.rels[i].Status = status
			return nil
		}
	}
	return ErrNotFound
}

func (s *InMemoryRelationStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rels {
		if s.rels[i].ID == id {
			s.rels = append(s.rels[:i], s.rels[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (s *InMemoryRelationStore) ReplaceAll(_ context.Context, rels []mr.Relation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rels = append([]mr.Relation(nil), rels...)
	return nil
}

func (s *InMemoryRelationStore) ClearAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rels = nil
	return nil
}

func (s *InMemoryRelationStore) All(_ context.Context) ([]mr.Relation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]mr.Relation(nil), s.rels...), nil
}

func (s *InMemoryRelationStore) Close() error { return nil }
