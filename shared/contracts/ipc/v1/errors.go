package v1

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Stable machine-readable error codes used in ipc.error payloads.
const (
	CodeMissingKeys        = "ERR_MISSING_KEYS"
	CodeUnsupportedVersion = "ERR_UNSUPPORTED_VERSION"
	CodeInvalidPayload     = "ERR_INVALID_PAYLOAD"
	CodeInvalidField       = "ERR_INVALID_FIELD"
	CodeInvalidJSON        = "ERR_INVALID_JSON"

	CodeAuthRequired     = "ERR_AUTH_REQUIRED"
	CodeAuthInvalid      = "ERR_AUTH_INVALID"
	CodeDuplicateService = "ERR_DUPLICATE_SERVICE"

	CodeUnknownDestination = "ERR_UNKNOWN_DESTINATION"
	CodeBackpressure       = "ERR_BACKPRESSURE"
	CodeRateLimited        = "ERR_RATE_LIMITED"
)

// ProtocolError is a typed protocol failure with a stable code and a
// human-readable message. It maps 1:1 onto an ErrorPayload.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Payload converts the error into the wire form.
func (e *ProtocolError) Payload() ErrorPayload {
	return ErrorPayload{Code: e.Code, Message: e.Message}
}

// NewProtocolError constructs a ProtocolError with the given code.
func NewProtocolError(code, format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsProtocolError unwraps err into a *ProtocolError when possible.
func AsProtocolError(err error) (*ProtocolError, bool) {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

func errMissingKeys(keys []string) *ProtocolError {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	return NewProtocolError(CodeMissingKeys, "missing required keys: %s", strings.Join(sorted, ", "))
}

func errUnsupportedVersion(observed string) *ProtocolError {
	return NewProtocolError(CodeUnsupportedVersion, "unsupported envelope version: %s", observed)
}

func errInvalidPayload() *ProtocolError {
	return NewProtocolError(CodeInvalidPayload, "payload must be a JSON object")
}

func errInvalidField(name string) *ProtocolError {
	return NewProtocolError(CodeInvalidField, "field %s must be a non-empty string", name)
}

func errInvalidJSON(err error) *ProtocolError {
	return NewProtocolError(CodeInvalidJSON, "invalid JSON frame: %v", err)
}
