package model

import "github.com/m-mizutani/goerr/v2"

// Failure classes of the request pipeline. All of them are recoverable: the
// pipeline degrades and still answers.
var (
	ErrIdentityResolution      = goerr.New("identity resolution failure")
	ErrMemoryDegradation       = goerr.New("memory degradation")
	ErrClassificationMalformed = goerr.New("classification malformed")
	ErrGeneration              = goerr.New("generation failure")
	ErrUnexpected              = goerr.New("unexpected failure")
)

var (
	ErrDimensionMismatch = goerr.New("embedding dimension mismatch")
	ErrNotFound          = goerr.New("not found")
	ErrSessionExpired    = goerr.New("session expired")
	ErrInvalidArgument   = goerr.New("invalid argument")
)
