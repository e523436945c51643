package apperror

import (
	"fmt"
	"net/http"
)

// Class identifies which of the five error categories an AppError
// belongs to. Retryable is derived from it.
type Class string

const (
	ClassValidation Class = "VALIDATION"
	ClassConflict Class = "CONFLICT"
	ClassUpstreamTransient Class = "UPSTREAM_TRANSIENT"
	ClassUpstreamPermanent Class = "UPSTREAM_PERMANENT"
	ClassInternal Class = "INTERNAL"
)

// AppError is a structured error carrying an error-taxonomy class alongside
// a machine-readable code and an optional wrapped cause.
type AppError struct {
	Code string `json:"error_code"`
	Message string `json:"message"`
	Class Class `json:"class"`
	HTTPStatus int `json:"-"`
	Err error `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Retryable reports whether a caller should retry the operation that
// produced this error rather than surface it to an operator.
func (e *AppError) Retryable() bool {
	return e.Class == ClassUpstreamTransient
}

func New(code, message string, class Class, httpStatus int) *AppError {
	return &AppError{Code: code, Message: message, Class: class, HTTPStatus: httpStatus}
}

func Wrap(code, message string, class Class, httpStatus int, err error) *AppError {
	return &AppError{Code: code, Message: message, Class: class, HTTPStatus: httpStatus, Err: err}
}

// ---- Validation (VAL) — bad input from the API layer; reported, never retried ----

func ErrInvalidAmount() *AppError {
	return New("VAL_001", "amount must be a positive integer number of sompi", ClassValidation, http.StatusBadRequest)
}

func ErrInvalidTTL() *AppError {
	return New("VAL_002", "ttlSeconds must be between 60 and 86400", ClassValidation, http.StatusBadRequest)
}

func ErrInvalidXPub() *AppError {
	return New("VAL_003", "xpub is malformed or not a valid extended public key", ClassValidation, http.StatusBadRequest)
}

func ErrMetadataTooLarge() *AppError {
	return New("VAL_004", "metadata exceeds the allowed key count or size caps", ClassValidation, http.StatusBadRequest)
}

func ErrInvalidSompiString() *AppError {
	return New("VAL_005", "amount string does not match the decimal sompi/KAS format", ClassValidation, http.StatusBadRequest)
}

// ---- Conflict (CON) — invariant violation on write; reported ----

func ErrAddressCollision() *AppError {
	return New("CON_001", "derived address already assigned to another session", ClassConflict, http.StatusConflict)
}

func ErrDuplicateDeliveryID() *AppError {
	return New("CON_002", "a webhook log already exists for this session/event pair", ClassConflict, http.StatusConflict)
}

func ErrNotFound(entity string) *AppError {
	return New("CON_003", fmt.Sprintf("%s not found", entity), ClassConflict, http.StatusNotFound)
}

// ---- Upstream transient (UPT) — retried with backoff, never fatal ----

func ErrRPCDisconnected(err error) *AppError {
	return Wrap("UPT_001", "rpc client is not connected", ClassUpstreamTransient, http.StatusServiceUnavailable, err)
}

func ErrRESTUpstream(err error) *AppError {
	return Wrap("UPT_002", "rest poller upstream request failed", ClassUpstreamTransient, http.StatusServiceUnavailable, err)
}

func ErrWebhookDeliveryFailed(statusCode int, err error) *AppError {
	return Wrap("UPT_003", fmt.Sprintf("webhook delivery failed (http %d)", statusCode), ClassUpstreamTransient, http.StatusBadGateway, err)
}

// ---- Upstream permanent (UPP) — dead-letter after the normal attempt budget ----

func ErrRESTBadRequest(err error) *AppError {
	return Wrap("UPP_001", "rest upstream rejected the request", ClassUpstreamPermanent, http.StatusBadRequest, err)
}

func ErrWebhookGone() *AppError {
	return New("UPP_002", "webhook endpoint returned 410 Gone", ClassUpstreamPermanent, http.StatusGone)
}

// ---- Internal (INT) — derivation oracle failure, DB corruption, panics ----

func ErrDatabaseError(err error) *AppError {
	return Wrap("INT_001", "internal database error", ClassInternal, http.StatusInternalServerError, err)
}

func ErrDerivationFailed(err error) *AppError {
	return Wrap("INT_002", "address derivation oracle failed", ClassInternal, http.StatusInternalServerError, err)
}

// InternalError wraps an internal error as an INT_000 error.
func InternalError(err error) *AppError {
	return Wrap("INT_000", "internal server error", ClassInternal, http.StatusInternalServerError, err)
}

// Validation returns a VAL_000-style validation error for ad-hoc input checks.
func Validation(message string) *AppError {
	return New("VAL_000", message, ClassValidation, http.StatusBadRequest)
}

