package utils

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
)

// ErrorKind classifies failures so callers can decide whether to retry.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindAuthExpired
	KindRateLimited
	KindTimeout
	KindConnectionFailure
	KindNotFound
	KindConflict
	KindServiceUnavailable
	KindValidation
	KindNotConfigured
)

var kindNames = map[ErrorKind]string{
	KindInternal:           "internal",
	KindAuthExpired:        "auth_expired",
	KindRateLimited:        "rate_limited",
	KindTimeout:            "timeout",
	KindConnectionFailure:  "connection_failure",
	KindNotFound:           "not_found",
	KindConflict:           "conflict",
	KindServiceUnavailable: "service_unavailable",
	KindValidation:         "validation",
	KindNotConfigured:      "not_configured",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Retryable reports whether an operation failing with this kind may be
// attempted again within the same call.
func (k ErrorKind) Retryable() bool {
	return k == KindTimeout || k == KindConnectionFailure
}

// HTTPStatus maps a kind to the status code controllers answer with.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindAuthExpired:
		return fiber.StatusUnauthorized
	case KindRateLimited:
		return fiber.StatusTooManyRequests
	case KindTimeout:
		return fiber.StatusGatewayTimeout
	case KindConnectionFailure:
		return fiber.StatusBadGateway
	case KindNotFound:
		return fiber.StatusNotFound
	case KindConflict:
		return fiber.StatusConflict
	case KindServiceUnavailable, KindNotConfigured:
		return fiber.StatusServiceUnavailable
	case KindValidation:
		return fiber.StatusBadRequest
	}
	return fiber.StatusInternalServerError
}

// AppError is the typed error returned across package boundaries.
type AppError struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewError builds an AppError without an underlying cause.
func NewError(kind ErrorKind, op, message string) *AppError {
	return &AppError{Kind: kind, Op: op, Message: message}
}

// WrapError attaches a kind and operation to err.
func WrapError(kind ErrorKind, op string, err error) *AppError {
	return &AppError{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first AppError in err's chain.
func KindOf(err error) ErrorKind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

func IsRetryable(err error) bool {
	return err != nil && KindOf(err).Retryable()
}

// NotFound and Conflict are the two kinds business code raises most.
func NotFound(op, what string) *AppError {
	return NewError(KindNotFound, op, what+" not found")
}

func Conflict(op, message string) *AppError {
	return NewError(KindConflict, op, message)
}
