package tokens

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore is a thread-safe token store for tests and single-node
// deployments where tokens are provisioned at startup.
type InMemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*ServiceToken
	ordered []string
}

// NewInMemoryStore creates an empty in-memory token store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{byID: make(map[string]*ServiceToken)}
}

// FindByToken resolves a plaintext token by comparing against every stored
// hash. Linear scan is fine: a deployment holds a handful of tokens.
func (s *InMemoryStore) FindByToken(_ context.Context, token string) (*ServiceToken, bool) {
	if token == "" {
		return nil, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.ordered {
		t := s.byID[id]
		if !t.Active {
			continue
		}

		if Compare(t.Token, token) {
			found := *t
			found.Token = Mask(t.Token)

			return &found, true
		}
	}

	return nil, false
}

// Add hashes and stores a new token.
func (s *InMemoryStore) Add(_ context.Context, t *ServiceToken) error {
	if t == nil {
		return ErrTokenNil
	}

	hash, err := Hash(t.Token)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[t.ID]; exists {
		return ErrTokenAlreadyExists
	}

	stored := *t
	stored.Token = hash

	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	s.byID[stored.ID] = &stored
	s.ordered = append(s.ordered, stored.ID)

	return nil
}

// Revoke deactivates a token by ID.
func (s *InMemoryStore) Revoke(_ context.Context, tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.byID[tokenID]
	if !exists {
		return ErrTokenNotFound
	}

	t.Active = false

	return nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *InMemoryStore) HealthCheck(_ context.Context) error {
	return nil
}
