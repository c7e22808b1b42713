package providers

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorCode is the provider error taxonomy (spec §7). Kinds, not type names.
type ErrorCode string

const (
	ErrProviderAuthMissing   ErrorCode = "ProviderAuthMissing"
	ErrProviderTransport     ErrorCode = "ProviderTransport"
	ErrProviderHttp          ErrorCode = "ProviderHttp"
	ErrProviderProtocol      ErrorCode = "ProviderProtocol"
	ErrToolNotFound          ErrorCode = "ToolNotFound"
	ErrToolArgumentsInvalid  ErrorCode = "ToolArgumentsInvalid"
	ErrToolExecutionFailed   ErrorCode = "ToolExecutionFailed"
)

// Retryable reports whether ReliableProvider should retry an error of this
// kind. Only ProviderTransport is retryable (spec §7 table).
func (c ErrorCode) Retryable() bool {
	return c == ErrProviderTransport
}

// Error is the structured error every Provider and ToolExecutor raises.
// It marshals to the exact {"code","message","details"} wire shape spec §6
// requires for the assistant message's error_message field.
type Error struct {
	Code    ErrorCode       `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`

	// Cause is the underlying Go error, not part of the wire payload.
	Cause error `json:"-"`
}

func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code ErrorCode, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Code: code, Message: cause.Error(), Cause: cause}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// WithDetails attaches arbitrary structured detail to the error.
func (e *Error) WithDetails(v any) *Error {
	if v == nil {
		return e
	}
	b, err := json.Marshal(v)
	if err != nil {
		return e
	}
	e.Details = b
	return e
}

// As extracts an *Error from an error chain.
func As(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// ParseWireError decodes the compact {"code","message","details"} JSON that
// AssistantMessage.ErrorMessage carries, for ReliableProvider classification.
func ParseWireError(raw string) (*Error, bool) {
	if raw == "" {
		return nil, false
	}
	var e Error
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, false
	}
	if e.Code == "" {
		return nil, false
	}
	return &e, true
}

// MarshalWire renders the compact error JSON for AssistantMessage.ErrorMessage.
func (e *Error) MarshalWire() string {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"code":%q,"message":%q}`, e.Code, e.Message)
	}
	return string(b)
}
