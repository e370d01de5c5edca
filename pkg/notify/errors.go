package notify

import "errors"

// Wire error codes. These are the only codes the protocol emits.
const (
	CodeAuthRequired     = "AUTH_REQUIRED"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeInvalidData      = "INVALID_DATA"
	CodeServerError      = "SERVER_ERROR"
)

// Error is a coded protocol error. Authentication errors terminate the
// handshake; every other kind is reported on the connection, which stays
// open.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Payload converts the error to its wire form.
func (e *Error) Payload() ErrorPayload {
	return ErrorPayload{Message: e.Message, Code: e.Code}
}

// NewAuthenticationError rejects a handshake.
func NewAuthenticationError(message string) *Error {
	return &Error{Code: CodeAuthRequired, Message: message}
}

// NewAuthorizationError reports a failed role or capability check.
func NewAuthorizationError(message string) *Error {
	return &Error{Code: CodePermissionDenied, Message: message}
}

// NewValidationError reports a malformed payload.
func NewValidationError(message string) *Error {
	return &Error{Code: CodeInvalidData, Message: message}
}

// NewTransportError reports an underlying transport failure.
func NewTransportError(message string) *Error {
	return &Error{Code: CodeServerError, Message: message}
}

// CodeOf extracts the wire code from err, or SERVER_ERROR when err is not a
// coded protocol error.
func CodeOf(err error) string {
	var ne *Error
	if errors.As(err, &ne) {
		return ne.Code
	}
	return CodeServerError
}
