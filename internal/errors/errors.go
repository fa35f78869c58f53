// Package errors defines the sentinel errors shared across the storage
// and sync layers.
package errors

import "errors"

// Repository errors.
var (
	ErrInvalidIndex   = errors.New("invalid app index")
	ErrInvalidIndices = errors.New("invalid indices")
	ErrBuiltinEngine  = errors.New("built-in search engines cannot be modified")
	ErrEngineNotFound = errors.New("search engine not found")
)

// Storage errors.
var (
	ErrQuotaExceeded = errors.New("local store rejected write")
)

// Sync errors.
var (
	ErrRemoteUnreachable  = errors.New("remote store unreachable")
	ErrRemoteNotFound     = errors.New("remote document not found")
	ErrCorruptAsset       = errors.New("corrupt asset payload")
	ErrMissingCredentials = errors.New("remote sync is not configured")
	ErrSyncInFlight       = errors.New("a sync operation is already running")
)
