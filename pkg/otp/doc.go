// Package otp provides TOTP (RFC 6238) generation and validation with
// clock-skew tolerance and replay protection.
//
// Codes are derived with HOTP (RFC 4226) from a shared secret and a time
// step counter, floor(unix seconds / period). A submitted code is accepted
// if it matches any step within the look-around window around the current
// step.
//
// # Example
//
//	v, err := otp.NewValidator(otp.Config{
//	    Algorithm:        otp.AlgorithmSHA1,
//	    Digits:           6,
//	    Period:           30,
//	    LookAroundWindow: 1, // Accept one step of clock skew each way
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	code, err := v.Generate(secret)
//	ok, err := v.Validate(code, secret)
//
// # Replay Protection
//
// The validator never remembers which codes were used. The caller keeps the
// last accepted step per credential and passes it in; only steps strictly
// after it are eligible:
//
//	outcome, err := v.ValidateWithReplayGuard(code, secret, last)
//	if err != nil {
//	    return err
//	}
//	if outcome.Accepted {
//	    // Persist before accepting another code for this secret.
//	    store.SetLastValidationInterval(ctx, id, outcome.Interval)
//	}
//
// A code is therefore accepted at most once, and once a later step has been
// used, earlier codes still inside the window are rejected as well.
//
// # Hash Algorithms
//
// The package supports multiple hash algorithms:
//   - AlgorithmSHA1 (widely supported)
//   - AlgorithmSHA256
//   - AlgorithmSHA512
//
// Note that not all authenticator apps support SHA256 and SHA512.
//
// # Thread Safety
//
// Validator has no mutable state. Multiple goroutines can call its methods
// simultaneously; serialising updates of the last step is the job of the
// credential store.
package otp
