package seal

import (
	"errors"
	"fmt"

	"secure.seal/internal/resilience"
	"secure.seal/internal/store"
	"secure.seal/internal/token"
)

// Sentinel errors returned by the engine. Callers classify with errors.Is or
// KindOf; the wrapped text is for logs only.
var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrInvalidToken        = token.ErrInvalidToken
	ErrNotFound            = errors.New("seal not found")
	ErrIntegrity           = errors.New("blob integrity check failed")
	ErrStorageTransient    = errors.New("storage temporarily unavailable")
	ErrStorageInconsistent = errors.New("storage left inconsistent")
	ErrUnavailable         = errors.New("service unavailable")
	ErrInternal            = errors.New("internal error")
)

type Kind string

const (
	KindInvalidInput        Kind = "invalid_input"
	KindInvalidToken        Kind = "invalid_token"
	KindNotFound            Kind = "not_found"
	KindIntegrity           Kind = "integrity_failure"
	KindStorageTransient    Kind = "storage_transient"
	KindStorageInconsistent Kind = "storage_inconsistent"
	KindUnavailable         Kind = "unavailable"
	KindInternal            Kind = "internal"
)

// KindOf maps err to its coarse kind. Inconsistency is checked first so a
// rollback failure is never reported as something milder.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStorageInconsistent):
		return KindStorageInconsistent
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrInvalidToken):
		return KindInvalidToken
	case errors.Is(err, ErrNotFound), errors.Is(err, store.ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrIntegrity):
		return KindIntegrity
	case errors.Is(err, ErrUnavailable),
		errors.Is(err, resilience.ErrCircuitOpen),
		errors.Is(err, resilience.ErrOverloaded):
		return KindUnavailable
	case errors.Is(err, ErrStorageTransient):
		return KindStorageTransient
	default:
		return KindInternal
	}
}

// Message is the generic text shown to callers in production.
func (k Kind) Message() string {
	switch k {
	case KindInvalidInput:
		return "invalid request"
	case KindInvalidToken:
		return "invalid token"
	case KindNotFound:
		return "seal not found"
	case KindIntegrity:
		return "seal content failed integrity verification"
	case KindStorageTransient, KindUnavailable:
		return "service temporarily unavailable, try again later"
	default:
		return "an error occurred"
	}
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidInput}, args...)...)
}

// storageErr classifies a failed store call.
func storageErr(op string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, op)
	case errors.Is(err, resilience.ErrCircuitOpen):
		return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
	default:
		return fmt.Errorf("%w: %s: %w", ErrStorageTransient, op, err)
	}
}

func inconsistent(op string, cause, rollback error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorageInconsistent, op, errors.Join(cause, rollback))
}
