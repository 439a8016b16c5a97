package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// ErrConfiguration covers missing credentials, unknown providers and invalid thresholds.
	ErrConfiguration = errors.New("configuration error")
	// ErrContractViolation is returned when generator output does not match the requested schema.
	ErrContractViolation = errors.New("generation contract violation")
	ErrAuthentication    = errors.New("generator authentication failed")
	ErrRateLimited       = errors.New("generator rate limited")

	ErrHumanInputTimeout   = errors.New("human input timed out")
	ErrHumanInputCancelled = errors.New("human input cancelled")
	ErrAwaitingInput       = errors.New("awaiting human input")

	ErrPersistence      = errors.New("checkpoint persistence failed")
	ErrRoutingViolation = errors.New("routing contract violation")

	ErrNotRunning   = errors.New("workflow is not running")
	ErrInstanceBusy = errors.New("workflow instance is busy")
	ErrStepLimit    = errors.New("step limit reached")
	ErrStaleState   = errors.New("stale checkpoint")
)
