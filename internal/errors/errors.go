package errors

import "errors"

// Pairing errors.
var (
	ErrNotPaired        = errors.New("no pairing id configured")
	ErrInvalidPairingID = errors.New("pairing id too short")
)

// Engine errors.
var (
	ErrEngineStopped = errors.New("sync engine is not running")
)

// Remote store errors.
var (
	ErrLedgerNotFound = errors.New("no ledger row for pairing id")
	ErrAPIRequest     = errors.New("API request failed")
	ErrAPIResponse    = errors.New("unexpected API response")
)

// Chat errors.
var (
	ErrEmptyMessage = errors.New("message content is empty")
)
