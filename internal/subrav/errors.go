package subrav

import (
	"errors"
	"fmt"
)

var (
	ErrTruncated          = errors.New("subrav: truncated encoding")
	ErrTrailingBytes      = errors.New("subrav: trailing bytes after encoding")
	ErrUnknownVersion     = errors.New("subrav: unknown protocol version")
	ErrInvalidAmount      = errors.New("subrav: amount must be a non-negative 256-bit integer")
	ErrInvalidFragment    = errors.New("subrav: invalid verification method fragment")
	ErrInvalidKeyID       = errors.New("subrav: invalid key id")
	ErrVerificationFailed = errors.New("subrav: verification failed")
)

// VerifyReason distinguishes why a signed voucher was rejected.
type VerifyReason string

const (
	ReasonUnresolvableSigner VerifyReason = "unresolvable_signer"
	ReasonAlgorithmMismatch  VerifyReason = "algorithm_mismatch"
	ReasonSignatureMismatch  VerifyReason = "signature_mismatch"
	ReasonMalformed          VerifyReason = "malformed_payload"
)

// VerificationError is returned by Verify. It matches ErrVerificationFailed.
type VerificationError struct {
	Reason VerifyReason
	Err    error
}

func (e *VerificationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("subrav: verification failed: %s", e.Reason)
	}
	return fmt.Sprintf("subrav: verification failed: %s: %v", e.Reason, e.Err)
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

func (e *VerificationError) Is(target error) bool {
	return target == ErrVerificationFailed
}

func verifyErr(reason VerifyReason, err error) error {
	return &VerificationError{Reason: reason, Err: err}
}

// ReasonOf extracts the verification reason from err, if any.
func ReasonOf(err error) (VerifyReason, bool) {
	var verr *VerificationError
	if errors.As(err, &verr) {
		return verr.Reason, true
	}
	return "", false
}
