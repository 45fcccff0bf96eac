package core

import (
	"errors"
	"fmt"
)

// Routing errors
var (
	ErrDuplicateAddress = errors.New("address already registered")
	ErrAddressNotFound  = errors.New("address not found")
	ErrUndeliverable    = errors.New("message undeliverable")
	ErrAdmissionDenied  = fmt.Errorf("%w: admission denied", ErrUndeliverable)
	ErrEmptyRoute       = fmt.Errorf("%w: empty onward route", ErrUndeliverable)
)

// Runtime errors
var (
	ErrReuseViolation = errors.New("single-use shutdown rendezvous reused")
	ErrInvalidActor   = errors.New("actor must implement Worker or Processor")
	ErrNodeStopped    = errors.New("node is stopped")
	ErrRelayStopped   = errors.New("relay is stopped")
)

// RelayPhase names the lifecycle phase in which an actor failed.
type RelayPhase string

const (
	PhaseInitialize RelayPhase = "initialize"
	PhaseProcess    RelayPhase = "process"
	PhaseShutdown   RelayPhase = "shutdown"
)

// RelayError reports an actor failure. Initialization and shutdown
// failures are logged only; a processing failure stops the relay.
type RelayError struct {
	Phase   RelayPhase
	Address Address
	Err     error
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("%s failed for %s: %v", e.Phase, e.Address, e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}
