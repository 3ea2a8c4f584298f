package credential

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps credentials in process memory.
// It is safe for concurrent use.
type MemoryStore struct {
	mu    sync.Mutex
	creds map[string]*Credential
	now   func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		creds: make(map[string]*Credential),
		now:   time.Now,
	}
}

// Create registers secret under a new random id.
func (s *MemoryStore) Create(ctx context.Context, secret []byte) (*Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(secret) == 0 {
		return nil, ErrInvalidSecret
	}

	now := s.now().UTC()
	c := &Credential{
		ID:        uuid.NewString(),
		Secret:    cloneSecret(secret),
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.creds[c.ID] = c
	s.mu.Unlock()

	return copyCredential(c), nil
}

// Get returns a copy of the credential.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.creds[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyCredential(c), nil
}

// Secret returns a copy of the credential's secret.
func (s *MemoryStore) Secret(ctx context.Context, id string) ([]byte, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.Secret, nil
}

// LastValidationInterval returns the last accepted time step.
func (s *MemoryStore) LastValidationInterval(ctx context.Context, id string) (uint64, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return c.LastValidationInterval, nil
}

// SetLastValidationInterval advances the last accepted time step.
func (s *MemoryStore) SetLastValidationInterval(ctx context.Context, id string, interval uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.creds[id]
	if !ok {
		return ErrNotFound
	}
	if interval <= c.LastValidationInterval {
		return ErrStaleInterval
	}

	c.LastValidationInterval = interval
	c.UpdatedAt = s.now().UTC()
	return nil
}

// Delete removes the credential.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.creds[id]; !ok {
		return ErrNotFound
	}
	delete(s.creds, id)
	return nil
}

func copyCredential(c *Credential) *Credential {
	out := *c
	out.Secret = cloneSecret(c.Secret)
	return &out
}
