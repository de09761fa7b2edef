package domain

import "errors"

// Validation and transition errors are returned synchronously and never
// mutate state. ErrTransferFailed and ErrQueryFailed wrap upstream messages
// captured into the owning entity.
var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrInstanceBusy      = errors.New("instance busy")
	ErrDuplicatePort     = errors.New("duplicate port")
	ErrUnknownEngine     = errors.New("unknown engine")
	ErrUnknownVersion    = errors.New("unknown version")
	ErrInstanceNotFound  = errors.New("instance not found")

	ErrTabNotFound      = errors.New("tab not found")
	ErrLastTabProtected = errors.New("last tab protected")
	ErrAlreadyExecuting = errors.New("already executing")
	ErrEmptyQuery       = errors.New("empty query")
	ErrSessionNotFound  = errors.New("session not found")
	ErrNotRunning       = errors.New("instance not running")

	ErrTransferFailed = errors.New("transfer failed")
	ErrQueryFailed    = errors.New("query failed")
)
