/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: errors.go
Description: Error taxonomy for the Akaylee Seedbank. Per-seed failures are routed to an
outcome and never abort a batch; only corpus persistence errors are fatal.
*/

package core

import (
	"errors"
)

var (
	// Ingest
	ErrMalformedHeader = errors.New("malformed header")
	ErrUnknownTarget   = errors.New("unknown target")

	// Sandbox outcomes, used when a termination needs to travel as an error
	ErrCompileFailed    = errors.New("compile failed")
	ErrCrashed          = errors.New("crashed")
	ErrTimeout          = errors.New("timeout")
	ErrResourceExceeded = errors.New("resource exceeded")

	// Coverage collection
	ErrCoverageParse = errors.New("coverage parse error")
	ErrUnscoreable   = errors.New("unscoreable")

	// Corpus store
	ErrDuplicateSeed  = errors.New("duplicate seed")
	ErrCorpusCorrupt  = errors.New("corpus store corrupt")
	ErrPersist        = errors.New("corpus persistence failed")
	ErrStoreClosed    = errors.New("corpus store closed")
	ErrSandboxFailure = errors.New("sandbox failure")
)

// IsFatal reports whether err must stop the batch
func IsFatal(err error) bool {
	return errors.Is(err, ErrPersist) ||
		errors.Is(err, ErrCorpusCorrupt) ||
		errors.Is(err, ErrStoreClosed) ||
		errors.Is(err, ErrSandboxFailure)
}

// StatusForError maps an ingest or collection error to the outcome it routes to
func StatusForError(err error) (SeedStatus, bool) {
	switch {
	case errors.Is(err, ErrMalformedHeader):
		return StatusMalformedHeader, true
	case errors.Is(err, ErrUnknownTarget):
		return StatusUnknownTarget, true
	case errors.Is(err, ErrUnscoreable), errors.Is(err, ErrCoverageParse):
		return StatusQuarantinedUnscoreable, true
	case errors.Is(err, ErrCompileFailed):
		return StatusFailedCompile, true
	case errors.Is(err, ErrDuplicateSeed):
		return StatusDuplicateSeed, true
	}
	return "", false
}
