package types

import "errors"

// ClearanceError is the typed error carried across component boundaries.
// Code is one of the taxonomy constants below; Data may carry rail/amount
// context for the caller's retry decision.
type ClearanceError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *ClearanceError) Error() string {
	return e.Message
}

// Error taxonomy. Validation and not-found errors have no side effects;
// idempotency rejections mean the caller should poll status instead of
// retrying; timeouts are ambiguous and need operator verification.
const (
	ErrValidation          = "VALIDATION_ERROR"
	ErrAlreadySettled      = "ALREADY_SETTLED"
	ErrAttemptInProgress   = "ATTEMPT_IN_PROGRESS"
	ErrSubmissionFailed    = "SUBMISSION_FAILED"
	ErrTimeout             = "TIMEOUT"
	ErrConfirmationTimeout = "CONFIRMATION_TIMEOUT"
	ErrNotFound            = "NOT_FOUND"
	ErrInsufficientFunds   = "INSUFFICIENT_FUNDS"
	ErrUnsupportedRail     = "UNSUPPORTED_RAIL"
	ErrDocumentStorage     = "DOCUMENT_STORAGE_ERROR"
	ErrProviderUnavailable = "PROVIDER_ERROR"
	ErrOracleUnavailable   = "ORACLE_ERROR"
)

// NewError builds a ClearanceError with the given code and message.
func NewError(code, message string) *ClearanceError {
	return &ClearanceError{Code: code, Message: message}
}

// CodeOf extracts the taxonomy code from err, or empty if err is not a
// ClearanceError.
func CodeOf(err error) string {
	var ce *ClearanceError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// IsCode reports whether err carries the given taxonomy code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}
