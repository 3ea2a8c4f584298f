package api

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/jeremyhahn/go-otp/pkg/credential"
	"github.com/jeremyhahn/go-otp/pkg/otp"
)

// Handler defines the contract for the one-time code step of a login.
// The implementation should return nil on success or an error on failure.
type Handler interface {
	Authenticate(ctx context.Context, credentialID, code string) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, credentialID, code string) error

// Authenticate executes the underlying function.
func (f HandlerFunc) Authenticate(ctx context.Context, credentialID, code string) error {
	return f(ctx, credentialID, code)
}

var (
	// ErrNilService indicates a nil service was used.
	ErrNilService = errors.New("api: service is nil")
	// ErrInvalidConfig indicates the service configuration is incomplete.
	ErrInvalidConfig = errors.New("api: invalid configuration")
	// ErrMissingCredential indicates the request does not name a credential.
	ErrMissingCredential = errors.New("api: credential id required")
	// ErrMissingCode indicates the request does not carry a code.
	ErrMissingCode = errors.New("api: otp required")
	// ErrInvalidCode is returned for every rejected code: wrong, expired,
	// already used, or for an unknown credential.
	ErrInvalidCode = errors.New("api: invalid code")
)

// Config wires a Service.
type Config struct {
	Validator *otp.Validator
	Store     credential.Store
	// Logger receives audit events. Nil disables logging.
	Logger *zap.Logger
	// CodeReusable turns the replay guard off: codes are checked against
	// the window only and nothing is persisted.
	CodeReusable bool
}

// Service runs the OTP step of a login against a credential store. It reads
// the secret and last accepted step, validates the code, and persists the
// matched step before reporting success.
// It is safe for concurrent use.
type Service struct {
	validator *otp.Validator
	store     credential.Store
	logger    *zap.Logger
	reusable  bool
}

// NewService builds a Service from the supplied configuration.
func NewService(cfg Config) (*Service, error) {
	if cfg.Validator == nil {
		return nil, fmt.Errorf("%w: validator is required", ErrInvalidConfig)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: credential store is required", ErrInvalidConfig)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		validator: cfg.Validator,
		store:     cfg.Store,
		logger:    logger.Named("otp"),
		reusable:  cfg.CodeReusable,
	}, nil
}

// NewServiceFromPolicy builds the validator described by policy and wraps
// it in a Service. A nil clock means the system clock.
func NewServiceFromPolicy(policy otp.Policy, store credential.Store, logger *zap.Logger, clock otp.Clock) (*Service, error) {
	cfg := policy.Config()
	cfg.Clock = clock

	v, err := otp.NewValidator(cfg)
	if err != nil {
		return nil, err
	}

	return NewService(Config{
		Validator:    v,
		Store:        store,
		Logger:       logger,
		CodeReusable: policy.CodeReusable,
	})
}

// LoginRequest contains the submitted code and the credential it is for.
type LoginRequest struct {
	CredentialID string
	Code         string
}

// Enroll registers a new credential for secret.
func (s *Service) Enroll(ctx context.Context, secret []byte) (*credential.Credential, error) {
	if s == nil {
		return nil, ErrNilService
	}
	if ctx == nil {
		ctx = context.Background()
	}

	c, err := s.store.Create(ctx, secret)
	if err != nil {
		s.logger.Error("failed to enroll credential", zap.Error(err))
		return nil, err
	}

	s.logger.Info("credential enrolled", zap.String("credential_id", c.ID))
	return c, nil
}

// Login validates req and, unless codes are reusable, consumes the matched
// time step. It returns that step.
func (s *Service) Login(ctx context.Context, req LoginRequest) (uint64, error) {
	if s == nil {
		return 0, ErrNilService
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if req.CredentialID == "" {
		return 0, ErrMissingCredential
	}
	if req.Code == "" {
		return 0, ErrMissingCode
	}

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	log := s.logger.With(zap.String("credential_id", req.CredentialID))

	secret, err := s.store.Secret(ctx, req.CredentialID)
	if errors.Is(err, credential.ErrNotFound) {
		log.Warn("otp rejected")
		return 0, ErrInvalidCode
	}
	if err != nil {
		log.Error("failed to load credential secret", zap.Error(err))
		return 0, fmt.Errorf("api: failed to load credential: %w", err)
	}

	var last uint64
	if !s.reusable {
		last, err = s.store.LastValidationInterval(ctx, req.CredentialID)
		if errors.Is(err, credential.ErrNotFound) {
			log.Warn("otp rejected")
			return 0, ErrInvalidCode
		}
		if err != nil {
			log.Error("failed to load last validation interval", zap.Error(err))
			return 0, fmt.Errorf("api: failed to load credential: %w", err)
		}
	}

	outcome, err := s.validator.ValidateWithReplayGuard(req.Code, secret, last)
	if err != nil {
		log.Error("otp validation failed", zap.Error(err))
		return 0, err
	}
	if !outcome.Accepted {
		log.Warn("otp rejected")
		return 0, ErrInvalidCode
	}

	if s.reusable {
		log.Info("otp accepted", zap.Uint64("interval", outcome.Interval))
		return outcome.Interval, nil
	}

	err = s.store.SetLastValidationInterval(ctx, req.CredentialID, outcome.Interval)
	if errors.Is(err, credential.ErrStaleInterval) || errors.Is(err, credential.ErrNotFound) {
		log.Warn("otp rejected")
		return 0, ErrInvalidCode
	}
	if err != nil {
		log.Error("failed to persist validation interval", zap.Uint64("interval", outcome.Interval), zap.Error(err))
		return 0, fmt.Errorf("api: failed to persist validation interval: %w", err)
	}

	log.Info("otp accepted", zap.Uint64("interval", outcome.Interval))
	return outcome.Interval, nil
}

// Authenticate implements Handler.
func (s *Service) Authenticate(ctx context.Context, credentialID, code string) error {
	_, err := s.Login(ctx, LoginRequest{CredentialID: credentialID, Code: code})
	return err
}

// ExpectedCode returns the code a correctly synchronised authenticator
// shows right now for the credential. Intended for enrollment checks and
// self-tests; it does not consume anything.
func (s *Service) ExpectedCode(ctx context.Context, credentialID string) (string, error) {
	if s == nil {
		return "", ErrNilService
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if credentialID == "" {
		return "", ErrMissingCredential
	}

	secret, err := s.store.Secret(ctx, credentialID)
	if err != nil {
		return "", err
	}
	return s.validator.Generate(secret)
}

// Ensure Service satisfies the Handler interface.
var _ Handler = (*Service)(nil)
