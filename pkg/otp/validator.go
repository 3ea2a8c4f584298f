package otp

import (
	"crypto/subtle"
	"encoding/base32"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
)

var secretEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Outcome is the result of a replay-guarded validation.
type Outcome struct {
	// Accepted reports whether the code matched an eligible step.
	Accepted bool
	// Interval is the step the code matched. It is zero when the code was
	// rejected and must be persisted by the caller when it was accepted.
	Interval uint64
}

// Validator generates and validates time-based one-time codes.
// It holds no mutable state and is safe for concurrent use.
type Validator struct {
	cfg       Config
	otpAlgo   otp.Algorithm
	otpDigits otp.Digits
}

// NewValidator creates a new validator.
// The configuration is validated and an error is returned if invalid.
func NewValidator(cfg Config) (*Validator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	otpAlgo, err := cfg.Algorithm.pquerna()
	if err != nil {
		return nil, err
	}

	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}

	return &Validator{
		cfg:       cfg,
		otpAlgo:   otpAlgo,
		otpDigits: otp.Digits(cfg.Digits),
	}, nil
}

// Config returns the validator configuration.
func (v *Validator) Config() Config {
	if v == nil {
		return Config{}
	}
	return v.cfg
}

// Counter returns the time step containing t.
func (v *Validator) Counter(t time.Time) uint64 {
	return uint64(t.Unix()) / uint64(v.cfg.Period)
}

// Generate returns the code for the current time step.
func (v *Validator) Generate(secret []byte) (string, error) {
	if v == nil {
		return "", ErrNilValidator
	}

	now, err := v.now()
	if err != nil {
		return "", err
	}
	return v.GenerateAt(secret, now)
}

// GenerateAt returns the code for the time step containing t.
func (v *Validator) GenerateAt(secret []byte, t time.Time) (string, error) {
	if v == nil {
		return "", ErrNilValidator
	}
	if err := checkTime(t); err != nil {
		return "", err
	}
	return v.HOTP(secret, v.Counter(t))
}

// HOTP derives the RFC 4226 code for secret and counter. The result depends
// only on its inputs and the configured algorithm and digits.
func (v *Validator) HOTP(secret []byte, counter uint64) (string, error) {
	if v == nil {
		return "", ErrNilValidator
	}

	key, err := encodeSecret(secret)
	if err != nil {
		return "", err
	}
	return v.derive(key, counter)
}

// Validate reports whether code matches any step in the look-around window.
// It is ValidateWithReplayGuard with no previously used step.
func (v *Validator) Validate(code string, secret []byte) (bool, error) {
	outcome, err := v.ValidateWithReplayGuard(code, secret, 0)
	if err != nil {
		return false, err
	}
	return outcome.Accepted, nil
}

// ValidateWithReplayGuard validates code against the steps within the
// look-around window of the current step, skipping every step at or before
// lastInterval. Steps are scanned from the current one outward
// (0, -1, +1, -2, +2, ...) and the first match wins.
//
// A code of the wrong length or containing non-digits is a plain mismatch.
// On acceptance the caller must persist Outcome.Interval as the new last
// interval before accepting another code for the same secret.
func (v *Validator) ValidateWithReplayGuard(code string, secret []byte, lastInterval uint64) (Outcome, error) {
	if v == nil {
		return Outcome{}, ErrNilValidator
	}

	key, err := encodeSecret(secret)
	if err != nil {
		return Outcome{}, err
	}

	now, err := v.now()
	if err != nil {
		return Outcome{}, err
	}

	current := int64(v.Counter(now))
	window := int64(v.cfg.LookAroundWindow)
	submitted := []byte(code)

	for i := int64(0); i <= 2*window; i++ {
		offset := (i + 1) / 2
		if i%2 == 1 {
			offset = -offset
		}

		candidate := current + offset
		if candidate < 0 || uint64(candidate) <= lastInterval {
			continue
		}

		expected, err := v.derive(key, uint64(candidate))
		if err != nil {
			return Outcome{}, err
		}
		if subtle.ConstantTimeCompare([]byte(expected), submitted) == 1 {
			return Outcome{Accepted: true, Interval: uint64(candidate)}, nil
		}
	}

	return Outcome{}, nil
}

func (v *Validator) derive(key string, counter uint64) (string, error) {
	code, err := hotp.GenerateCodeCustom(key, counter, hotp.ValidateOpts{
		Digits:    v.otpDigits,
		Algorithm: v.otpAlgo,
	})
	if err != nil {
		return "", fmt.Errorf("otp: failed to derive code: %w", err)
	}
	return code, nil
}

func (v *Validator) now() (time.Time, error) {
	t := v.cfg.Clock.Now()
	if err := checkTime(t); err != nil {
		return time.Time{}, err
	}
	return t, nil
}

func checkTime(t time.Time) error {
	if t.IsZero() {
		return fmt.Errorf("%w: time source returned the zero time", ErrClock)
	}
	if t.Unix() < 0 {
		return fmt.Errorf("%w: time %s is before the Unix epoch", ErrClock, t.UTC().Format(time.RFC3339))
	}
	return nil
}

// encodeSecret turns the raw secret into the base32 form hotp expects.
func encodeSecret(secret []byte) (string, error) {
	if len(secret) == 0 {
		return "", fmt.Errorf("%w: secret must not be empty", ErrInvalidSecret)
	}
	return secretEncoding.EncodeToString(secret), nil
}
