// Package apperrors defines the typed error taxonomy shared by every
// component that talks to the ledger backend or the card processor, and
// the classifier that maps transport-level failures into it.
package apperrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a class of failure with a fixed retry policy.
type Kind string

const (
	KindValidation        Kind = "validation_error"
	KindConfiguration     Kind = "configuration_error"
	KindInsufficientFunds Kind = "insufficient_funds"
	KindAuthorization     Kind = "authorization_error"
	KindServer            Kind = "server_error"
	KindNetwork           Kind = "network_error"
	KindDecode            Kind = "decode_error"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindUnknown           Kind = "unknown_error"
)

// Error is the taxonomy's error type. Retryable is true only for classes
// where no state changed and the same request may legitimately succeed
// on a second attempt.
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two taxonomy errors by kind, so callers can use
// errors.Is(err, &Error{Kind: KindValidation}) style sentinels.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// New creates a taxonomy error with the retry policy implied by its kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Retryable: kind == KindServer || kind == KindNetwork}
}

// Wrap creates a taxonomy error around a cause.
func Wrap(kind Kind, message string, err error) *Error {
	e := New(kind, message)
	e.Err = err
	return e
}

// NewValidation is the fail-fast precondition error used before any
// network call is issued.
func NewValidation(message string) *Error { return New(KindValidation, message) }

// NewDecode signals that a backend response did not match the expected
// schema. A shape mismatch is a hard error, never a silently-empty value.
func NewDecode(message string, err error) *Error { return Wrap(KindDecode, message, err) }

// NewNetwork signals a transport failure where no response was received.
func NewNetwork(err error) *Error {
	return Wrap(KindNetwork, "request did not reach the server", err)
}

// errorBody is the backend's error envelope. Both spellings are accepted
// because the ledger API is not consistent about which one it emits.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Classify maps an HTTP response status and body into the taxonomy.
//
//	422            -> validation (fix input, no retry)
//	400            -> configuration
//	402            -> insufficient funds
//	403            -> authorization
//	500            -> server (retryable)
//	anything else  -> unknown
//
// Transport failures with no response at all go through NewNetwork instead.
func Classify(status int, body []byte) *Error {
	message := extractMessage(body)

	switch status {
	case http.StatusUnprocessableEntity:
		if message == "" {
			message = "request was rejected by validation"
		}
		return New(KindValidation, message)
	case http.StatusBadRequest:
		if message == "" {
			message = "request is not accepted in the current configuration"
		}
		return New(KindConfiguration, message)
	case http.StatusPaymentRequired:
		if message == "" {
			message = "insufficient funds"
		}
		return New(KindInsufficientFunds, message)
	case http.StatusForbidden:
		if message == "" {
			message = "not authorized for this operation"
		}
		return New(KindAuthorization, message)
	case http.StatusInternalServerError:
		if message == "" {
			message = "server error, safe to retry"
		}
		return New(KindServer, message)
	default:
		if message == "" {
			message = fmt.Sprintf("unexpected response status %d", status)
		}
		return New(KindUnknown, message)
	}
}

func extractMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return ""
	}
	if eb.Error != "" {
		return eb.Error
	}
	return eb.Message
}

// HTTPStatus maps a taxonomy kind back to the status this service emits
// for it. Used by the HTTP response helpers.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindConfiguration:
		return http.StatusBadRequest
	case KindInsufficientFunds:
		return http.StatusPaymentRequired
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindServer, KindDecode, KindNetwork, KindUnknown:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
