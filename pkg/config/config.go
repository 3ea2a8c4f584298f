// Package config loads the OTP policy and the backing-store settings from a
// file and the environment.
package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/jeremyhahn/go-otp/pkg/otp"
)

// EnvPrefix is prepended to every environment override, e.g. OTP_OTP_DIGITS.
const EnvPrefix = "OTP"

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the root configuration document.
type Config struct {
	OTP      OTPConfig      `mapstructure:"otp"`
	Log      LogConfig      `mapstructure:"log"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Database DatabaseConfig `mapstructure:"database"`
}

// OTPConfig mirrors otp.Policy.
type OTPConfig struct {
	Algorithm        string `mapstructure:"algorithm" validate:"required,otp_algorithm"`
	Digits           uint   `mapstructure:"digits" validate:"min=1,max=10"`
	Period           uint   `mapstructure:"period" validate:"min=1"`
	LookAroundWindow uint   `mapstructure:"look_around_window" validate:"max=1024"`
	CodeReusable     bool   `mapstructure:"code_reusable"`
}

// LogConfig selects the zap level and encoder.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error dpanic panic fatal"`
	Format string `mapstructure:"format" validate:"required,oneof=json console"`
}

// RedisConfig points the credential store at Redis.
type RedisConfig struct {
	URL       string `mapstructure:"url" validate:"omitempty,url"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// DatabaseConfig points the credential store at PostgreSQL.
type DatabaseConfig struct {
	URL   string `mapstructure:"url" validate:"omitempty,url"`
	Table string `mapstructure:"table" validate:"omitempty,max=63"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("otp_algorithm", func(fl validator.FieldLevel) bool {
		_, err := otp.ParseAlgorithm(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks the struct tags of c.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalidConfig)
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Policy converts the OTP section into an otp.Policy.
func (c *Config) Policy() (otp.Policy, error) {
	alg, err := otp.ParseAlgorithm(c.OTP.Algorithm)
	if err != nil {
		return otp.Policy{}, err
	}
	return otp.Policy{
		Algorithm:        alg,
		Digits:           c.OTP.Digits,
		Period:           c.OTP.Period,
		LookAroundWindow: c.OTP.LookAroundWindow,
		CodeReusable:     c.OTP.CodeReusable,
	}, nil
}
