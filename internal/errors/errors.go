package errors

import "errors"

// Pass errors.
var (
	ErrSnapshotUnavailable = errors.New("snapshot unavailable")
	ErrJournalIO           = errors.New("journal I/O failed")
	ErrPropagation         = errors.New("propagation failed")
	ErrMalformedInput      = errors.New("malformed reconcile input")
	ErrWorkspaceLocked     = errors.New("sync directory is locked by another process")
	ErrRecordNotFound      = errors.New("record not found")
	ErrRecordChanged       = errors.New("journal record changed since the pass read it")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
