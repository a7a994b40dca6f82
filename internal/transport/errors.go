package transport

import (
	"errors"
	"fmt"
)

// Kind classifies a transport failure so callers can branch on retry policy
// without string-matching.
type Kind int

const (
	// KindTransient covers timeouts, connection resets and 5xx responses;
	// eligible for bounded retry.
	KindTransient Kind = iota
	// KindAuth covers 401/invalid_grant; never retried at this layer, the
	// token manager re-authenticates instead.
	KindAuth
	// KindPermanent covers malformed requests, other 4xx, and bad TLS
	// configuration; retrying cannot help.
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuth:
		return "auth"
	case KindPermanent:
		return "permanent"
	}
	return "unknown"
}

// Error is the classified transport failure returned by Client.
type Error struct {
	Kind   Kind
	Status int // HTTP status when one was received, else 0
	Op     string
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transport: %s: %s (%d): %v", e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("transport: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a transient transport failure.
func IsTransient(err error) bool { return hasKind(err, KindTransient) }

// IsAuth reports whether err is an authentication rejection.
func IsAuth(err error) bool { return hasKind(err, KindAuth) }

// IsPermanent reports whether err is a non-retryable transport failure.
func IsPermanent(err error) bool { return hasKind(err, KindPermanent) }

func hasKind(err error, k Kind) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == k
}
