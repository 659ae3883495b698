// internal/remote/errors.go
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"

	"github.com/lib/pq"
	"github.com/sony/gobreaker"

	"mkutano/internal/ledger"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrConflict    = errors.New("record conflicts with stored state")
	ErrUnavailable = errors.New("remote service unavailable")
)

// Class tells the sync engine whether retrying can help.
type Class int

const (
	ClassTransient Class = iota
	ClassPermanent
)

func (c Class) String() string {
	if c == ClassPermanent {
		return "permanent"
	}
	return "transient"
}

type classified struct {
	err   error
	class Class
}

func (e *classified) Error() string { return e.err.Error() }
func (e *classified) Unwrap() error { return e.err }

// Permanent marks err as one that will not resolve by retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, class: ClassPermanent}
}

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, class: ClassTransient}
}

// StatusError is a non-2xx answer from the remote HTTP API.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("remote returned %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("unexpected status code: %d", e.StatusCode)
}

// Classify decides whether err is transient or permanent. Errors nothing
// recognises count as transient; the buffer's attempt limit bounds them.
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}

	var c *classified
	if errors.As(err, &c) {
		return c.class
	}

	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrConflict),
		errors.Is(err, ledger.ErrInvalidRecord),
		errors.Is(err, ledger.ErrOverpayment),
		errors.Is(err, ledger.ErrLoanClosed):
		return ClassPermanent
	case errors.Is(err, ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, gobreaker.ErrOpenState),
		errors.Is(err, gobreaker.ErrTooManyRequests):
		return ClassTransient
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return classifyStatus(statusErr.StatusCode)
	}
	if isRetryableNetworkError(err) || isRetryableSystemError(err) {
		return ClassTransient
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return classifyPostgres(pqErr)
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return ClassPermanent
	}
	return ClassTransient
}

// IsPermanent is shorthand for Classify(err) == ClassPermanent.
func IsPermanent(err error) bool {
	return err != nil && Classify(err) == ClassPermanent
}

func classifyStatus(code int) Class {
	switch {
	case code >= 500,
		code == http.StatusTooManyRequests,
		code == http.StatusRequestTimeout:
		return ClassTransient
	case code >= 400:
		return ClassPermanent
	}
	return ClassTransient
}

func classifyPostgres(err *pq.Error) Class {
	switch err.Code.Class() {
	case "08", // connection exception
		"40", // serialization failure, deadlock
		"53", // insufficient resources
		"57": // operator intervention
		return ClassTransient
	case "22", // data exception
		"23": // integrity constraint violation
		return ClassPermanent
	}
	return ClassTransient
}

func isRetryableNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func isRetryableSystemError(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
