// Package storetest provides a conformance suite for credential.Store
// implementations.
package storetest

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jeremyhahn/go-otp/pkg/credential"
)

// Run exercises every Store method against s. The store must be empty of
// ids it did not create itself; Run never relies on a pristine backend.
func Run(t *testing.T, s credential.Store) {
	t.Helper()

	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, s) })
	t.Run("RejectsEmptySecret", func(t *testing.T) { testRejectsEmptySecret(t, s) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, s) })
	t.Run("MonotonicInterval", func(t *testing.T) { testMonotonicInterval(t, s) })
	t.Run("ConcurrentAdvance", func(t *testing.T) { testConcurrentAdvance(t, s) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, s) })
}

func create(t *testing.T, s credential.Store, secret []byte) *credential.Credential {
	t.Helper()
	c, err := s.Create(context.Background(), secret)
	if err != nil {
		t.Fatalf("failed to create credential: %v", err)
	}
	return c
}

func testCreateAndGet(t *testing.T, s credential.Store) {
	ctx := context.Background()
	secret := []byte("dSdmuHLQhkm54oIm0A0S")

	c := create(t, s, secret)
	if c.ID == "" {
		t.Fatal("expected non-empty id")
	}
	if c.LastValidationInterval != 0 {
		t.Errorf("expected new credential at interval 0, got %d", c.LastValidationInterval)
	}

	got, err := s.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("failed to get credential: %v", err)
	}
	if !bytes.Equal(got.Secret, secret) {
		t.Errorf("secret mismatch: got %q, want %q", got.Secret, secret)
	}
	if got.CreatedAt.IsZero() {
		t.Error("expected created_at to be set")
	}

	gotSecret, err := s.Secret(ctx, c.ID)
	if err != nil {
		t.Fatalf("failed to get secret: %v", err)
	}
	if !bytes.Equal(gotSecret, secret) {
		t.Errorf("Secret() = %q, want %q", gotSecret, secret)
	}

	last, err := s.LastValidationInterval(ctx, c.ID)
	if err != nil {
		t.Fatalf("failed to get interval: %v", err)
	}
	if last != 0 {
		t.Errorf("LastValidationInterval() = %d, want 0", last)
	}

	other := create(t, s, secret)
	if other.ID == c.ID {
		t.Error("expected distinct ids for distinct credentials")
	}
}

func testRejectsEmptySecret(t *testing.T, s credential.Store) {
	if _, err := s.Create(context.Background(), nil); !errors.Is(err, credential.ErrInvalidSecret) {
		t.Errorf("expected ErrInvalidSecret, got %v", err)
	}
}

func testNotFound(t *testing.T, s credential.Store) {
	ctx := context.Background()
	const id = "00000000-0000-0000-0000-000000000000"

	if _, err := s.Get(ctx, id); !errors.Is(err, credential.ErrNotFound) {
		t.Errorf("Get: expected ErrNotFound, got %v", err)
	}
	if _, err := s.Secret(ctx, id); !errors.Is(err, credential.ErrNotFound) {
		t.Errorf("Secret: expected ErrNotFound, got %v", err)
	}
	if _, err := s.LastValidationInterval(ctx, id); !errors.Is(err, credential.ErrNotFound) {
		t.Errorf("LastValidationInterval: expected ErrNotFound, got %v", err)
	}
	if err := s.SetLastValidationInterval(ctx, id, 10); !errors.Is(err, credential.ErrNotFound) {
		t.Errorf("SetLastValidationInterval: expected ErrNotFound, got %v", err)
	}
	if err := s.Delete(ctx, id); !errors.Is(err, credential.ErrNotFound) {
		t.Errorf("Delete: expected ErrNotFound, got %v", err)
	}
}

func testMonotonicInterval(t *testing.T, s credential.Store) {
	ctx := context.Background()
	c := create(t, s, []byte("monotonic"))

	steps := []struct {
		interval uint64
		wantErr  error
		wantLast uint64
	}{
		{0, credential.ErrStaleInterval, 0},
		{100, nil, 100},
		{100, credential.ErrStaleInterval, 100},
		{99, credential.ErrStaleInterval, 100},
		{102, nil, 102},
	}

	for _, step := range steps {
		err := s.SetLastValidationInterval(ctx, c.ID, step.interval)
		if step.wantErr == nil && err != nil {
			t.Fatalf("set %d: unexpected error: %v", step.interval, err)
		}
		if step.wantErr != nil && !errors.Is(err, step.wantErr) {
			t.Fatalf("set %d: expected %v, got %v", step.interval, step.wantErr, err)
		}

		last, err := s.LastValidationInterval(ctx, c.ID)
		if err != nil {
			t.Fatalf("failed to get interval: %v", err)
		}
		if last != step.wantLast {
			t.Fatalf("after set %d: interval = %d, want %d", step.interval, last, step.wantLast)
		}
	}
}

func testConcurrentAdvance(t *testing.T, s credential.Store) {
	ctx := context.Background()
	c := create(t, s, []byte("concurrent"))

	const workers = 16
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		failures  = make(chan error, workers)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.SetLastValidationInterval(ctx, c.ID, 500)
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, credential.ErrStaleInterval):
			default:
				failures <- err
			}
		}()
	}
	wg.Wait()
	close(failures)

	for err := range failures {
		t.Errorf("unexpected error: %v", err)
	}
	if n := succeeded.Load(); n != 1 {
		t.Errorf("expected exactly one writer to persist the interval, got %d", n)
	}
}

func testDelete(t *testing.T, s credential.Store) {
	ctx := context.Background()
	c := create(t, s, []byte("delete-me"))

	if err := s.Delete(ctx, c.ID); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	if _, err := s.Get(ctx, c.ID); !errors.Is(err, credential.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}
