package types

import (
	"errors"
	"fmt"
)

// ErrorType represents the failure categories a record flow can end in
type ErrorType string

const (
	ErrorTypeValidation        ErrorType = "validation"
	ErrorTypeWalletUnavailable ErrorType = "wallet_unavailable"
	ErrorTypeLedgerRejected    ErrorType = "ledger_rejected"
	ErrorTypeUserCancelled     ErrorType = "user_cancelled"
	ErrorTypeStoreUnavailable  ErrorType = "store_unavailable"
	ErrorTypeDecryptFailure    ErrorType = "decrypt_failure"
	ErrorTypeNotFound          ErrorType = "not_found"
	ErrorTypeInternal          ErrorType = "internal"
)

// Ledger rejection sub-kinds, carried in RecordError.Code
const (
	ErrCodeAccessDenied      = "ACCESS_DENIED"
	ErrCodeNotAuthorized     = "NOT_AUTHORIZED"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeReverted          = "REVERTED"
	ErrCodeInvalidInput      = "INVALID_INPUT"
	ErrCodeNoWallet          = "NO_WALLET"
	ErrCodeSignatureDenied   = "SIGNATURE_DENIED"
	ErrCodeStoreFailure      = "STORE_FAILURE"
	ErrCodeCipherFailure     = "CIPHER_FAILURE"
	ErrCodeLedgerUnreachable = "LEDGER_UNREACHABLE"
	ErrCodeInternalError     = "INTERNAL_ERROR"
)

// RecordError represents a structured error raised by the record flows
type RecordError struct {
	Type    ErrorType              `json:"type"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface
func (e *RecordError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error
func (e *RecordError) Unwrap() error {
	return e.Cause
}

// Is matches another RecordError by type and, when set, by code
func (e *RecordError) Is(target error) bool {
	t, ok := target.(*RecordError)
	if !ok {
		return false
	}
	if t.Type != e.Type {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// Sentinels usable with errors.Is
var (
	ErrWalletUnavailable = &RecordError{Type: ErrorTypeWalletUnavailable}
	ErrLedgerRejected    = &RecordError{Type: ErrorTypeLedgerRejected}
	ErrAccessDenied      = &RecordError{Type: ErrorTypeLedgerRejected, Code: ErrCodeAccessDenied}
	ErrNotAuthorized     = &RecordError{Type: ErrorTypeLedgerRejected, Code: ErrCodeNotAuthorized}
	ErrUserCancelled     = &RecordError{Type: ErrorTypeUserCancelled}
	ErrStoreUnavailable  = &RecordError{Type: ErrorTypeStoreUnavailable}
	ErrDecryptFailure    = &RecordError{Type: ErrorTypeDecryptFailure}
	ErrNotFound          = &RecordError{Type: ErrorTypeNotFound}
	ErrValidation        = &RecordError{Type: ErrorTypeValidation}
)

// NewValidationError creates a new validation error
func NewValidationError(message string, details map[string]interface{}) *RecordError {
	return &RecordError{
		Type:    ErrorTypeValidation,
		Code:    ErrCodeInvalidInput,
		Message: message,
		Details: details,
	}
}

// NewWalletUnavailableError reports that no identity provider is configured
func NewWalletUnavailableError(message string, cause error) *RecordError {
	return &RecordError{
		Type:    ErrorTypeWalletUnavailable,
		Code:    ErrCodeNoWallet,
		Message: message,
		Cause:   cause,
	}
}

// NewLedgerRejectedError creates a ledger rejection with the given sub-kind code
func NewLedgerRejectedError(code, message string, cause error) *RecordError {
	return &RecordError{
		Type:    ErrorTypeLedgerRejected,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewUserCancelledError reports a declined signature request
func NewUserCancelledError(message string, cause error) *RecordError {
	return &RecordError{
		Type:    ErrorTypeUserCancelled,
		Code:    ErrCodeSignatureDenied,
		Message: message,
		Cause:   cause,
	}
}

// NewStoreUnavailableError creates a document store failure
func NewStoreUnavailableError(message string, cause error) *RecordError {
	return &RecordError{
		Type:    ErrorTypeStoreUnavailable,
		Code:    ErrCodeStoreFailure,
		Message: message,
		Cause:   cause,
	}
}

// NewDecryptFailureError creates a cipher failure
func NewDecryptFailureError(message string, cause error) *RecordError {
	return &RecordError{
		Type:    ErrorTypeDecryptFailure,
		Code:    ErrCodeCipherFailure,
		Message: message,
		Cause:   cause,
	}
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string) *RecordError {
	return &RecordError{
		Type:    ErrorTypeNotFound,
		Code:    ErrCodeNotFound,
		Message: message,
	}
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *RecordError {
	return &RecordError{
		Type:    ErrorTypeInternal,
		Code:    ErrCodeInternalError,
		Message: message,
		Cause:   cause,
	}
}

// KindOf returns the ErrorType of the first RecordError in err's chain
func KindOf(err error) ErrorType {
	var re *RecordError
	if errors.As(err, &re) {
		return re.Type
	}
	return ErrorTypeInternal
}

// NewLedgerUnreachableError reports a transport failure talking to the ledger node
func NewLedgerUnreachableError(message string, cause error) *RecordError {
	return &RecordError{
		Type:    ErrorTypeInternal,
		Code:    ErrCodeLedgerUnreachable,
		Message: message,
		Cause:   cause,
	}
}
