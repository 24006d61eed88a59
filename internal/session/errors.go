package session

import "errors"

// Sentinel errors for the session package.
var (
	ErrMalformedToken  = errors.New("token is malformed")
	ErrBadSignature    = errors.New("token signature is invalid")
	ErrExpiredToken    = errors.New("token is expired or not yet valid")
	ErrProfileNotFound = errors.New("no profile for authenticated account")
	ErrNotAuthed       = errors.New("connection is not authenticated")
)
