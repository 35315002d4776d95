package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrAlreadyRunning is returned when a sync run cannot start because the
// (org, integration) pair is already in the running state.
var ErrAlreadyRunning = errors.New("storage: sync already running")

// ErrDuplicateEvent is returned when an event ledger key already exists.
var ErrDuplicateEvent = errors.New("storage: duplicate event")

// ErrStateConsumed is returned when an OAuth state token has already been
// used or never existed.
var ErrStateConsumed = errors.New("storage: oauth state consumed or unknown")

// ErrOutcomeAlreadySet is returned when an outcome is recorded twice for the
// same feedback row.
var ErrOutcomeAlreadySet = errors.New("storage: outcome already recorded")
