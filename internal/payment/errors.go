package payment

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/calindra/subrav/internal/subrav"
	"github.com/calindra/subrav/internal/tracker"
)

type Code string

const (
	CodeMalformedPayload   Code = "MALFORMED_PAYLOAD"
	CodeVerificationFailed Code = "VERIFICATION_FAILED"
	CodeInvalidNonce       Code = "INVALID_NONCE"
	CodeDeltaOutOfBounds   Code = "DELTA_OUT_OF_BOUNDS"
	CodeInvalidEpoch       Code = "INVALID_EPOCH"
	CodeProposalMismatch   Code = "PROPOSAL_MISMATCH"
	CodePaymentRequired    Code = "PAYMENT_REQUIRED"
	CodeChannelNotFound    Code = "CHANNEL_NOT_FOUND"
	CodeChannelClosed      Code = "CHANNEL_CLOSED"
	CodeSubChannelBusy     Code = "SUB_CHANNEL_BUSY"
	CodeInternal           Code = "INTERNAL_ERROR"
)

func (c Code) HTTPStatus() int {
	switch c {
	case CodeMalformedPayload:
		return http.StatusBadRequest
	case CodeVerificationFailed:
		return http.StatusUnauthorized
	case CodePaymentRequired:
		return http.StatusPaymentRequired
	case CodeChannelNotFound:
		return http.StatusNotFound
	case CodeChannelClosed:
		return http.StatusGone
	case CodeInvalidNonce, CodeDeltaOutOfBounds, CodeInvalidEpoch, CodeProposalMismatch, CodeSubChannelBusy:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Recoverable codes mean the client's view of the sub-channel drifted
// from the service's; the client should resynchronize.
func (c Code) Recoverable() bool {
	switch c {
	case CodeInvalidNonce, CodeDeltaOutOfBounds, CodeInvalidEpoch, CodeProposalMismatch, CodePaymentRequired:
		return true
	default:
		return false
	}
}

// Error is the request-path payment error.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(code Code, err error) *Error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Error{Code: code, Message: msg, Err: err}
}

func Errorf(code Code, format string, args ...any) *Error {
	err := fmt.Errorf(format, args...)
	return &Error{Code: code, Message: err.Error(), Err: err}
}

// FromError classifies err into a payment error.
func FromError(err error) *Error {
	var perr *Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &perr):
		return perr
	case errors.Is(err, ErrMalformedPayload):
		return NewError(CodeMalformedPayload, err)
	case errors.Is(err, subrav.ErrVerificationFailed):
		return NewError(CodeVerificationFailed, err)
	case errors.Is(err, tracker.ErrInvalidNonce):
		return NewError(CodeInvalidNonce, err)
	case errors.Is(err, tracker.ErrDeltaOutOfBounds):
		return NewError(CodeDeltaOutOfBounds, err)
	case errors.Is(err, tracker.ErrInvalidEpoch):
		return NewError(CodeInvalidEpoch, err)
	case errors.Is(err, tracker.ErrUnknownChannel):
		return NewError(CodeChannelNotFound, err)
	default:
		return NewError(CodeInternal, err)
	}
}
