package session

import (
	"context"
	"sync"

	"misorachat/internal/models"
)

type MemoryStore struct {
	mu          sync.Mutex
	defaultName string
	sessions    map[string]models.Session
}

func NewMemoryStore(defaultName string) *MemoryStore {
	return &MemoryStore{defaultName: defaultName, sessions: make(map[string]models.Session)}
}

func (s *MemoryStore) load(id string) models.Session {
	if se, ok := s.sessions[id]; ok {
		return se
	}
	return models.Session{ID: id, UserName: s.defaultName}
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	se := s.load(id)
	return &se, nil
}

func (s *MemoryStore) SetUserName(_ context.Context, id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	se := s.load(id)
	se.UserName = name
	s.sessions[id] = se
	return nil
}

func (s *MemoryStore) SetCurrent(_ context.Context, id, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	se := s.load(id)
	se.CurrentConversationID = conversationID
	s.sessions[id] = se
	return nil
}

func (s *MemoryStore) ClearCurrent(_ context.Context, id, onlyIf string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	se, ok := s.sessions[id]
	if !ok || se.CurrentConversationID == "" {
		return false, nil
	}
	if onlyIf != "" && se.CurrentConversationID != onlyIf {
		return false, nil
	}
	se.CurrentConversationID = ""
	s.sessions[id] = se
	return true, nil
}

func (s *MemoryStore) Close() error { return nil }
