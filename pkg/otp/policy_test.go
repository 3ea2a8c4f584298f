package otp

import (
	"errors"
	"testing"
)

func TestParseAlgorithm(t *testing.T) {
	tests := []struct {
		in      string
		want    Algorithm
		wantErr error
	}{
		{"SHA1", AlgorithmSHA1, nil},
		{"sha256", AlgorithmSHA256, nil},
		{"SHA-512", AlgorithmSHA512, nil},
		{"HmacSHA1", AlgorithmSHA1, nil},
		{"HmacSHA256", AlgorithmSHA256, nil},
		{" hmacsha512 ", AlgorithmSHA512, nil},
		{"MD5", "", ErrInvalidConfig},
		{"", "", ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAlgorithm(tt.in)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected error %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseAlgorithm(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestAlgorithmJCAName(t *testing.T) {
	if got := AlgorithmSHA256.JCAName(); got != "HmacSHA256" {
		t.Errorf("JCAName() = %q, want HmacSHA256", got)
	}
}

func TestDefaultPolicy(t *testing.T) {
	cfg := DefaultPolicy.Config()
	if cfg.Algorithm != AlgorithmSHA1 || cfg.Digits != 6 || cfg.Period != 30 || cfg.LookAroundWindow != 1 {
		t.Errorf("unexpected default config: %+v", cfg)
	}
	if DefaultPolicy.CodeReusable {
		t.Error("expected codes not to be reusable by default")
	}

	if _, err := NewValidator(cfg); err != nil {
		t.Errorf("default policy should produce a valid config: %v", err)
	}
}
