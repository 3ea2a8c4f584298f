// Package credential stores OTP shared secrets together with the last time
// step each one was successfully used for.
//
// The last validation interval only ever moves forward:
// SetLastValidationInterval succeeds only for a value strictly greater than
// the stored one, atomically with respect to concurrent callers. That makes
// it safe to run validation for the same credential on several goroutines
// or hosts; at most one of them can persist a given step.
package credential

import (
	"context"
	"errors"
	"time"
)

// Common errors returned by stores.
var (
	// ErrNotFound indicates no credential exists for the given id.
	ErrNotFound = errors.New("credential: not found")
	// ErrStaleInterval indicates the stored interval is already at or past
	// the one being set.
	ErrStaleInterval = errors.New("credential: interval is not newer than the stored one")
	// ErrInvalidSecret indicates an empty secret was supplied.
	ErrInvalidSecret = errors.New("credential: secret must not be empty")
)

// Credential is a registered OTP secret.
type Credential struct {
	ID     string
	Secret []byte
	// LastValidationInterval is the last accepted time step, 0 if the
	// credential has never been used.
	LastValidationInterval uint64
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Store persists credentials.
type Store interface {
	// Create registers secret under a new id with a last interval of 0.
	Create(ctx context.Context, secret []byte) (*Credential, error)
	// Get returns the credential with the given id.
	Get(ctx context.Context, id string) (*Credential, error)
	// Secret returns the shared secret of a credential.
	Secret(ctx context.Context, id string) ([]byte, error)
	// LastValidationInterval returns the last accepted time step.
	LastValidationInterval(ctx context.Context, id string) (uint64, error)
	// SetLastValidationInterval advances the last accepted time step. It
	// returns ErrStaleInterval unless interval is greater than the stored
	// value.
	SetLastValidationInterval(ctx context.Context, id string, interval uint64) error
	// Delete removes a credential.
	Delete(ctx context.Context, id string) error
}

func cloneSecret(secret []byte) []byte {
	if secret == nil {
		return nil
	}
	out := make([]byte, len(secret))
	copy(out, secret)
	return out
}
