package session

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrConnectionNotFound = errors.New("connection_not_found")
	ErrTokenGeneration    = errors.New("token_generation_failed")

	ErrTransportUnauthorized    = errors.New("transport_unauthorized")
	ErrTransportForbidden       = errors.New("transport_forbidden")
	ErrTransportUnsupportedType = errors.New("transport_unsupported_type")
	ErrTransportServerError     = errors.New("transport_server_error")
	ErrTransportGeneric         = errors.New("transport_error")
	ErrTransportTimeout         = errors.New("transport_timeout")
)

// Relay status codes that drive failure classification. The relay reports
// these in its error instruction.
const (
	StatusServerError        = 0x0200
	StatusClientUnauthorized = 0x0301
	StatusClientForbidden    = 0x0303
	StatusClientBadType      = 0x030F
)

type FailureKind int

const (
	FailureGeneric FailureKind = iota
	FailureUnauthorized
	FailureForbidden
	FailureUnsupportedType
	FailureServerError
	FailureTimeout
)

func (k FailureKind) String() string {
	switch k {
	case FailureUnauthorized:
		return "unauthorized"
	case FailureForbidden:
		return "forbidden"
	case FailureUnsupportedType:
		return "unsupported_type"
	case FailureServerError:
		return "server_error"
	case FailureTimeout:
		return "timeout"
	default:
		return "generic"
	}
}

func (k FailureKind) sentinel() error {
	switch k {
	case FailureUnauthorized:
		return ErrTransportUnauthorized
	case FailureForbidden:
		return ErrTransportForbidden
	case FailureUnsupportedType:
		return ErrTransportUnsupportedType
	case FailureServerError:
		return ErrTransportServerError
	case FailureTimeout:
		return ErrTransportTimeout
	default:
		return ErrTransportGeneric
	}
}

// TransportError is a classified failure reported by the relay or by the
// transport itself. The kind only affects messaging; every kind may be
// retried.
type TransportError struct {
	Kind    FailureKind
	Code    int
	Message string
}

func (e *TransportError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s (code 0x%04X)", e.Kind.sentinel(), e.Code)
	}
	return fmt.Sprintf("%s (code 0x%04X): %s", e.Kind.sentinel(), e.Code, e.Message)
}

func (e *TransportError) Unwrap() error { return e.Kind.sentinel() }

// UserMessage is the text shown to the person at the viewer.
func (e *TransportError) UserMessage() string {
	switch e.Kind {
	case FailureUnsupportedType:
		return "Unsupported connection type."
	case FailureUnauthorized:
		return "Unauthorized. Check the credentials."
	case FailureForbidden:
		return "Access forbidden."
	case FailureServerError:
		return "Server error. Check that the container services are running."
	case FailureTimeout:
		return "Timed out waiting for the remote desktop."
	default:
		msg := e.Message
		if msg == "" {
			msg = "unknown error"
		}
		return "Connection error: " + msg
	}
}

// Classify maps a relay status code to a failure.
func Classify(code int, message string) *TransportError {
	kind := FailureGeneric
	switch code {
	case StatusClientBadType:
		kind = FailureUnsupportedType
	case StatusClientUnauthorized:
		kind = FailureUnauthorized
	case StatusClientForbidden:
		kind = FailureForbidden
	case StatusServerError:
		kind = FailureServerError
	}
	return &TransportError{Kind: kind, Code: code, Message: message}
}

// ClassifyHTTP maps a rejected websocket upgrade to a failure.
func ClassifyHTTP(status int, message string) *TransportError {
	kind := FailureGeneric
	switch {
	case status == http.StatusUnauthorized:
		kind = FailureUnauthorized
	case status == http.StatusForbidden:
		kind = FailureForbidden
	case status >= 500:
		kind = FailureServerError
	}
	return &TransportError{Kind: kind, Code: status, Message: message}
}

// UserMessage renders any session error for display.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var te *TransportError
	switch {
	case errors.As(err, &te):
		return te.UserMessage()
	case errors.Is(err, ErrConnectionNotFound):
		return "Connection configuration not found."
	case errors.Is(err, ErrTokenGeneration):
		return "Could not generate the connection token: " + err.Error()
	default:
		return "Connection error: " + err.Error()
	}
}

// Kind returns the error's classification name for APIs and logs.
func Kind(err error) string {
	var te *TransportError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &te):
		return te.Kind.String()
	case errors.Is(err, ErrConnectionNotFound):
		return "connection_not_found"
	case errors.Is(err, ErrTokenGeneration):
		return "token_generation_failed"
	default:
		return "generic"
	}
}
