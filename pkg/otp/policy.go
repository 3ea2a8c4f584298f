package otp

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pquerna/otp"
)

// Algorithm represents the HMAC hash algorithm used for code derivation.
type Algorithm string

const (
	// AlgorithmSHA1 uses HMAC-SHA1.
	AlgorithmSHA1 Algorithm = "SHA1"
	// AlgorithmSHA256 uses HMAC-SHA256.
	AlgorithmSHA256 Algorithm = "SHA256"
	// AlgorithmSHA512 uses HMAC-SHA512.
	AlgorithmSHA512 Algorithm = "SHA512"
)

// Limits on the configuration surface.
const (
	MinDigits = 1
	MaxDigits = 10
	// MaxLookAroundWindow bounds the steps scanned on each side of the
	// current step.
	MaxLookAroundWindow = 1024
)

// Common errors returned by the validator.
var (
	// ErrInvalidSecret indicates the shared secret is empty.
	ErrInvalidSecret = errors.New("otp: invalid secret")
	// ErrClock indicates the time source returned an unusable reading.
	ErrClock = errors.New("otp: clock error")
	// ErrInvalidConfig indicates the configuration is invalid.
	ErrInvalidConfig = errors.New("otp: invalid configuration")
	// ErrNilValidator indicates a nil validator was used.
	ErrNilValidator = errors.New("otp: validator is nil")
)

// ParseAlgorithm maps a textual algorithm name to an Algorithm. Both the
// short form ("SHA256") and the JCA form ("HmacSHA256") are accepted,
// case-insensitively.
func ParseAlgorithm(s string) (Algorithm, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	name = strings.TrimPrefix(name, "HMAC")
	name = strings.ReplaceAll(name, "-", "")

	switch Algorithm(name) {
	case AlgorithmSHA1, AlgorithmSHA256, AlgorithmSHA512:
		return Algorithm(name), nil
	}
	return "", fmt.Errorf("%w: unknown algorithm %q", ErrInvalidConfig, s)
}

// String returns the short algorithm name.
func (a Algorithm) String() string {
	return string(a)
}

// JCAName returns the algorithm name in the "HmacSHA1" form used by policy
// exports of other identity servers.
func (a Algorithm) JCAName() string {
	return "Hmac" + string(a)
}

func (a Algorithm) pquerna() (otp.Algorithm, error) {
	switch a {
	case AlgorithmSHA1:
		return otp.AlgorithmSHA1, nil
	case AlgorithmSHA256:
		return otp.AlgorithmSHA256, nil
	case AlgorithmSHA512:
		return otp.AlgorithmSHA512, nil
	}
	return 0, fmt.Errorf("%w: algorithm must be SHA1, SHA256, or SHA512", ErrInvalidConfig)
}

// Config holds the parameters of a Validator. Every field except Clock is
// required; NewValidator does not fill in defaults.
type Config struct {
	// Algorithm specifies the HMAC hash function.
	Algorithm Algorithm
	// Digits is the length of generated codes.
	Digits uint
	// Period is the time step in seconds.
	Period uint
	// LookAroundWindow is the number of time steps accepted on each side
	// of the current step. Zero only accepts the current step.
	LookAroundWindow uint
	// Clock is the time source. Nil means the system clock.
	Clock Clock
}

// validate checks that the configuration is valid.
func (c Config) validate() error {
	if _, err := c.Algorithm.pquerna(); err != nil {
		return err
	}

	if c.Digits < MinDigits || c.Digits > MaxDigits {
		return fmt.Errorf("%w: digits must be between %d and %d", ErrInvalidConfig, MinDigits, MaxDigits)
	}

	if c.Period == 0 {
		return fmt.Errorf("%w: period must be at least one second", ErrInvalidConfig)
	}

	if c.LookAroundWindow > MaxLookAroundWindow {
		return fmt.Errorf("%w: look-around window must not exceed %d", ErrInvalidConfig, MaxLookAroundWindow)
	}

	return nil
}

// Policy is a Config plus the realm-level settings that govern how callers
// use the validator.
type Policy struct {
	Algorithm        Algorithm
	Digits           uint
	Period           uint
	LookAroundWindow uint
	// CodeReusable disables the replay guard: a code may be used as many
	// times as it is in the look-around window.
	CodeReusable bool
}

// DefaultPolicy is the policy applied when nothing else is configured.
var DefaultPolicy = Policy{
	Algorithm:        AlgorithmSHA1,
	Digits:           6,
	Period:           30,
	LookAroundWindow: 1,
	CodeReusable:     false,
}

// Config returns the validator configuration described by the policy.
func (p Policy) Config() Config {
	return Config{
		Algorithm:        p.Algorithm,
		Digits:           p.Digits,
		Period:           p.Period,
		LookAroundWindow: p.LookAroundWindow,
	}
}
