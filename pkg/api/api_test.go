package api

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/jeremyhahn/go-otp/pkg/credential"
	"github.com/jeremyhahn/go-otp/pkg/otp"
)

var testSecret = []byte("dSdmuHLQhkm54oIm0A0S")

type testEnv struct {
	svc   *Service
	store *credential.MemoryStore
	v     *otp.Validator
	now   time.Time
	id    string
}

func newTestEnv(t *testing.T, reusable bool) *testEnv {
	t.Helper()

	env := &testEnv{
		store: credential.NewMemoryStore(),
		now:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	v, err := otp.NewValidator(otp.Config{
		Algorithm:        otp.AlgorithmSHA1,
		Digits:           8,
		Period:           30,
		LookAroundWindow: 2,
		Clock:            otp.ClockFunc(func() time.Time { return env.now }),
	})
	if err != nil {
		t.Fatalf("failed to create validator: %v", err)
	}
	env.v = v

	svc, err := NewService(Config{
		Validator:    v,
		Store:        env.store,
		Logger:       zaptest.NewLogger(t),
		CodeReusable: reusable,
	})
	if err != nil {
		t.Fatalf("NewService error: %v", err)
	}
	env.svc = svc

	c, err := svc.Enroll(context.Background(), testSecret)
	if err != nil {
		t.Fatalf("Enroll error: %v", err)
	}
	env.id = c.ID

	return env
}

func (e *testEnv) codeAt(t *testing.T, offset time.Duration) string {
	t.Helper()
	code, err := e.v.GenerateAt(testSecret, e.now.Add(offset))
	if err != nil {
		t.Fatalf("failed to generate code: %v", err)
	}
	return code
}

type failingStore struct {
	credential.Store
	err error
}

func (f *failingStore) Secret(ctx context.Context, id string) ([]byte, error) {
	return nil, f.err
}

func TestNewServiceValidation(t *testing.T) {
	v, err := otp.NewValidator(otp.DefaultPolicy.Config())
	if err != nil {
		t.Fatalf("failed to create validator: %v", err)
	}

	if _, err := NewService(Config{Store: credential.NewMemoryStore()}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("missing validator: expected ErrInvalidConfig, got %v", err)
	}
	if _, err := NewService(Config{Validator: v}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("missing store: expected ErrInvalidConfig, got %v", err)
	}
	if _, err := NewService(Config{Validator: v, Store: credential.NewMemoryStore()}); err != nil {
		t.Errorf("unexpected error without logger: %v", err)
	}
}

func TestNewServiceFromPolicy(t *testing.T) {
	svc, err := NewServiceFromPolicy(otp.DefaultPolicy, credential.NewMemoryStore(), nil, nil)
	if err != nil {
		t.Fatalf("NewServiceFromPolicy error: %v", err)
	}
	if svc.reusable {
		t.Error("expected default policy not to allow reuse")
	}

	bad := otp.DefaultPolicy
	bad.Digits = 0
	if _, err := NewServiceFromPolicy(bad, credential.NewMemoryStore(), nil, nil); !errors.Is(err, otp.ErrInvalidConfig) {
		t.Errorf("expected otp.ErrInvalidConfig, got %v", err)
	}
}

func TestLoginPersistsInterval(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	interval, err := env.svc.Login(ctx, LoginRequest{CredentialID: env.id, Code: env.codeAt(t, 0)})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if want := env.v.Counter(env.now); interval != want {
		t.Errorf("expected interval %d, got %d", want, interval)
	}

	stored, err := env.store.LastValidationInterval(ctx, env.id)
	if err != nil {
		t.Fatalf("failed to read interval: %v", err)
	}
	if stored != interval {
		t.Errorf("expected stored interval %d, got %d", interval, stored)
	}
}

func TestLoginRejectsReplay(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	code := env.codeAt(t, 0)

	if err := env.svc.Authenticate(ctx, env.id, code); err != nil {
		t.Fatalf("expected first use to succeed, got %v", err)
	}
	if err := env.svc.Authenticate(ctx, env.id, code); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode on replay, got %v", err)
	}
}

func TestLoginRejectsOlderCodeAfterNewer(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	older := env.codeAt(t, -30*time.Second)
	newer := env.codeAt(t, 30*time.Second)

	if err := env.svc.Authenticate(ctx, env.id, newer); err != nil {
		t.Fatalf("expected newer code to succeed, got %v", err)
	}
	if err := env.svc.Authenticate(ctx, env.id, older); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expected older code to be rejected, got %v", err)
	}
}

func TestLoginReusableCodes(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	code := env.codeAt(t, 0)

	for i := 0; i < 3; i++ {
		if err := env.svc.Authenticate(ctx, env.id, code); err != nil {
			t.Fatalf("attempt %d: expected reusable code to succeed, got %v", i, err)
		}
	}

	stored, err := env.store.LastValidationInterval(ctx, env.id)
	if err != nil {
		t.Fatalf("failed to read interval: %v", err)
	}
	if stored != 0 {
		t.Errorf("expected nothing persisted for reusable codes, got %d", stored)
	}
}

func TestLoginConcurrentDoubleSubmit(t *testing.T) {
	env := newTestEnv(t, false)
	code := env.codeAt(t, 0)

	const attempts = 20
	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
		rejected atomic.Int32
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := env.svc.Authenticate(context.Background(), env.id, code)
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, ErrInvalidCode):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if accepted.Load() != 1 {
		t.Errorf("expected exactly one acceptance, got %d", accepted.Load())
	}
	if rejected.Load() != attempts-1 {
		t.Errorf("expected %d rejections, got %d", attempts-1, rejected.Load())
	}
}

func TestLoginRejections(t *testing.T) {
	env := newTestEnv(t, false)

	tests := []struct {
		name    string
		req     LoginRequest
		wantErr error
	}{
		{"missing credential", LoginRequest{Code: "12345678"}, ErrMissingCredential},
		{"missing code", LoginRequest{CredentialID: env.id}, ErrMissingCode},
		{"unknown credential", LoginRequest{CredentialID: "nope", Code: env.codeAt(t, 0)}, ErrInvalidCode},
		{"wrong code", LoginRequest{CredentialID: env.id, Code: "00000000"}, ErrInvalidCode},
		{"malformed code", LoginRequest{CredentialID: env.id, Code: "abc"}, ErrInvalidCode},
		{"expired code", LoginRequest{CredentialID: env.id, Code: env.codeAt(t, -5*time.Minute)}, ErrInvalidCode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Login(context.Background(), tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoginContextCancellation(t *testing.T) {
	env := newTestEnv(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.svc.Login(ctx, LoginRequest{CredentialID: env.id, Code: env.codeAt(t, 0)})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestLoginStoreFailure(t *testing.T) {
	v, err := otp.NewValidator(otp.DefaultPolicy.Config())
	if err != nil {
		t.Fatalf("failed to create validator: %v", err)
	}
	boom := errors.New("connection refused")
	svc, err := NewService(Config{Validator: v, Store: &failingStore{err: boom}})
	if err != nil {
		t.Fatalf("NewService error: %v", err)
	}

	_, err = svc.Login(context.Background(), LoginRequest{CredentialID: "id", Code: "123456"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected store error to be wrapped, got %v", err)
	}
	if errors.Is(err, ErrInvalidCode) {
		t.Fatal("store failures must not look like rejected codes")
	}
}

func TestExpectedCode(t *testing.T) {
	env := newTestEnv(t, false)

	code, err := env.svc.ExpectedCode(context.Background(), env.id)
	if err != nil {
		t.Fatalf("ExpectedCode error: %v", err)
	}
	if code != env.codeAt(t, 0) {
		t.Errorf("expected current code %q, got %q", env.codeAt(t, 0), code)
	}

	if _, err := env.svc.ExpectedCode(context.Background(), "missing"); !errors.Is(err, credential.ErrNotFound) {
		t.Errorf("expected credential.ErrNotFound, got %v", err)
	}
}

func TestHandlerFunc(t *testing.T) {
	var gotID, gotCode string
	h := HandlerFunc(func(ctx context.Context, credentialID, code string) error {
		gotID, gotCode = credentialID, code
		return nil
	})

	if err := h.Authenticate(context.Background(), "cred", "123456"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotID != "cred" || gotCode != "123456" {
		t.Errorf("unexpected arguments: %q %q", gotID, gotCode)
	}
}

func TestNilService(t *testing.T) {
	var svc *Service

	if _, err := svc.Login(context.Background(), LoginRequest{CredentialID: "id", Code: "1"}); !errors.Is(err, ErrNilService) {
		t.Errorf("Login: expected ErrNilService, got %v", err)
	}
	if _, err := svc.Enroll(context.Background(), testSecret); !errors.Is(err, ErrNilService) {
		t.Errorf("Enroll: expected ErrNilService, got %v", err)
	}
	if _, err := svc.ExpectedCode(context.Background(), "id"); !errors.Is(err, ErrNilService) {
		t.Errorf("ExpectedCode: expected ErrNilService, got %v", err)
	}
}
