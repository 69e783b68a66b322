package nfc

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents a specific type of routing or dispatch error for
// programmatic handling.
type ErrorCode int

const (
	ErrCodeNullParameter ErrorCode = iota + 100
	ErrCodeAllocationFailed
	ErrCodeAlreadyRegistered
	ErrCodeNotFound
	ErrCodeOperationFailed
	ErrCodeBusy
	ErrCodePermissionDenied
	ErrCodeDataConflicted
	ErrCodeInvalidParameter
	ErrCodeWrongLength
)

var errorCodeNames = map[ErrorCode]string{
	ErrCodeNullParameter:     "NULL_PARAMETER",
	ErrCodeAllocationFailed:  "ALLOCATION_FAILED",
	ErrCodeAlreadyRegistered: "ALREADY_REGISTERED",
	ErrCodeNotFound:          "NOT_FOUND",
	ErrCodeOperationFailed:   "OPERATION_FAILED",
	ErrCodeBusy:              "BUSY",
	ErrCodePermissionDenied:  "PERMISSION_DENIED",
	ErrCodeDataConflicted:    "DATA_CONFLICTED",
	ErrCodeInvalidParameter:  "INVALID_PARAMETER",
	ErrCodeWrongLength:       "WRONG_LENGTH",
}

// String returns the wire name of the code, as reported to control-plane clients.
func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ERROR_%d", int(c))
}

// NFCError provides structured error information for programmatic handling.
type NFCError struct {
	Code    ErrorCode
	Op      string // Operation that failed (e.g., "AddAID", "CommitRouting")
	Message string // Human-readable message
	Cause   error  // Underlying error
}

func (e *NFCError) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Message)
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *NFCError) Unwrap() error {
	return e.Cause
}

func (e *NFCError) Is(target error) bool {
	if t, ok := target.(*NFCError); ok {
		return e.Code == t.Code
	}
	return false
}

// NewNullParameterError creates an error for a missing required argument.
func NewNullParameterError(op, param string) *NFCError {
	return &NFCError{
		Code:    ErrCodeNullParameter,
		Op:      op,
		Message: param + " is required",
	}
}

// NewAlreadyRegisteredError creates an error for a duplicate registration.
func NewAlreadyRegisteredError(op, what string) *NFCError {
	return &NFCError{
		Code:    ErrCodeAlreadyRegistered,
		Op:      op,
		Message: what + " already registered",
	}
}

// NewNotFoundError creates an error for a missing handler, AID or client.
func NewNotFoundError(op, what string) *NFCError {
	return &NFCError{
		Code:    ErrCodeNotFound,
		Op:      op,
		Message: what + " not found",
	}
}

// NewOperationFailedError creates an error for a failed hardware or store call.
func NewOperationFailedError(op string, cause error) *NFCError {
	return &NFCError{
		Code:    ErrCodeOperationFailed,
		Op:      op,
		Message: "operation failed",
		Cause:   cause,
	}
}

// NewBusyError creates an error for a submission rejected by queue backpressure.
func NewBusyError(op string) *NFCError {
	return &NFCError{
		Code:    ErrCodeBusy,
		Op:      op,
		Message: "a blocking operation is in flight",
	}
}

// NewDataConflictedError creates an error for an AID claimed by another handler
// in the same category.
func NewDataConflictedError(op, aid, owner string) *NFCError {
	return &NFCError{
		Code:    ErrCodeDataConflicted,
		Op:      op,
		Message: fmt.Sprintf("AID %s already claimed by %s", aid, owner),
	}
}

// NewInvalidParameterError creates an error for a malformed argument.
func NewInvalidParameterError(op, message string) *NFCError {
	return &NFCError{
		Code:    ErrCodeInvalidParameter,
		Op:      op,
		Message: message,
	}
}

// IsCode checks whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	var nfcErr *NFCError
	if errors.As(err, &nfcErr) {
		return nfcErr.Code == code
	}
	return false
}

// GetErrorCode extracts the ErrorCode from an error if it's an NFCError.
// Returns 0 if the error is not an NFCError.
func GetErrorCode(err error) ErrorCode {
	var nfcErr *NFCError
	if errors.As(err, &nfcErr) {
		return nfcErr.Code
	}
	return 0
}

// WrapError wraps an existing error with NFC context.
func WrapError(code ErrorCode, op, message string, cause error) *NFCError {
	return &NFCError{
		Code:    code,
		Op:      op,
		Message: message,
		Cause:   cause,
	}
}

// Errorf creates an NFCError with a formatted message.
func Errorf(code ErrorCode, op, format string, args ...interface{}) *NFCError {
	return &NFCError{
		Code:    code,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
	}
}
