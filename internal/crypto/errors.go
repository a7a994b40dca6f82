package crypto

// Error wraps any signing, encryption, decryption, or verification failure.
// Callers treat the payload as absent whenever an *Error is returned; partial
// or unverified data is never surfaced alongside one.
type Error struct {
	Op  string // e.g. "envelope.decrypt"
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "crypto: " + e.Op
	}
	return "crypto: " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }
