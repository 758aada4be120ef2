// Package common defines shared constants and sentinel errors used across
// harmony components. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")
	ErrStorage    = errors.New("storage failure")

	// Lease contention. Retried on the next scheduled cycle.
	ErrLockHeld = errors.New("lock held by another holder")
	ErrLockLost = errors.New("lock lost")

	// Orchestration errors.
	ErrAlreadyRunning  = errors.New("harmonization already running")
	ErrAccountDisabled = errors.New("account disabled")

	// Transport errors surfaced at account or collection scope.
	ErrTransportTimeout  = errors.New("transport timeout")
	ErrTransportRejected = errors.New("transport rejected")

	// Service-level errors.
	ErrorUnauthorized  = errors.New("unauthorized")
	ErrInvalidToken    = errors.New("invalid token")
	ErrTokenExpired    = errors.New("token expired")
	ErrInvalidArgument = errors.New("invalid argument")
)
