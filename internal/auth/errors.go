package auth

import "fmt"

// Error is an authentication failure: the token endpoint rejected the grant,
// or no usable token exists. It triggers re-authentication, never request
// retry.
type Error struct {
	Code        string // OAuth2 "error" field when the endpoint returned one
	Description string
	Err         error
}

func (e *Error) Error() string {
	switch {
	case e.Code != "":
		return fmt.Sprintf("auth: %s: %s", e.Code, e.Description)
	case e.Err != nil:
		return "auth: " + e.Err.Error()
	}
	return "auth: " + e.Description
}

func (e *Error) Unwrap() error { return e.Err }
