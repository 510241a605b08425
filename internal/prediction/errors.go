package prediction

import (
	"context"
	"errors"
	"fmt"
)

// GenericNetworkMessage is shown when the service gave no usable explanation.
const GenericNetworkMessage = "Network error"

const unexpectedMessage = "An unexpected error occurred"

// Kind classifies why a prediction did not produce a result.
type Kind int

const (
	// KindValidation means nothing valid was selected; no request was sent.
	KindValidation Kind = iota + 1
	// KindMalformedResponse means a success status carried an unusable body.
	KindMalformedResponse
	// KindRequestRejected means the service answered with a non-2xx status.
	KindRequestRejected
	// KindTransportFailure means no response was obtained at all.
	KindTransportFailure
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindMalformedResponse:
		return "malformed_response"
	case KindRequestRejected:
		return "request_rejected"
	case KindTransportFailure:
		return "transport_failure"
	}
	return "unknown"
}

// Error is the classified failure of a single prediction request.
// Message is what the user sees; Err keeps the underlying cause for logs.
type Error struct {
	Kind       Kind
	Message    string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewValidationError reports a caller mistake caught before any network call.
func NewValidationError(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

// NewMalformedResponseError reports a success response that broke the result contract.
func NewMalformedResponseError(message string, err error) *Error {
	return &Error{Kind: KindMalformedResponse, Message: message, Err: err}
}

// NewRequestRejectedError reports a non-2xx answer from the service.
func NewRequestRejectedError(statusCode int, message string) *Error {
	if message == "" {
		message = GenericNetworkMessage
	}
	return &Error{Kind: KindRequestRejected, Message: message, StatusCode: statusCode}
}

// NewTransportError reports a request that never obtained a response.
func NewTransportError(err error) *Error {
	return &Error{Kind: KindTransportFailure, Message: GenericNetworkMessage, Err: err}
}

// Classify converts any error returned by a Client into an *Error.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var predErr *Error
	if errors.As(err, &predErr) {
		return predErr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewTransportError(err)
	}
	return &Error{Kind: KindTransportFailure, Message: unexpectedMessage, Err: err}
}
