package core

import (
	"fmt"
	"sync/atomic"
)

// ShutdownHandle is the requesting side of a relay's single-use shutdown
// rendezvous.
type ShutdownHandle struct {
	signal   chan struct{}
	ack      chan struct{}
	signaled atomic.Bool
}

// ShutdownListener is the relay side of the rendezvous.
type ShutdownListener struct {
	signal   chan struct{}
	ack      chan struct{}
	consumed atomic.Bool
}

// NewShutdownPair creates a connected handle and listener. Both channels
// are buffered so neither side ever blocks on the other.
func NewShutdownPair() (*ShutdownHandle, *ShutdownListener) {
	signal := make(chan struct{}, 1)
	ack := make(chan struct{}, 1)
	return &ShutdownHandle{signal: signal, ack: ack},
		&ShutdownListener{signal: signal, ack: ack}
}

// Signal requests shutdown and returns the channel on which the single
// acknowledgment arrives. Calling Signal twice is a programming error
// and panics.
func (h *ShutdownHandle) Signal() <-chan struct{} {
	if !h.signaled.CompareAndSwap(false, true) {
		panic(fmt.Errorf("%w: shutdown handle signaled twice", ErrReuseViolation))
	}
	h.signal <- struct{}{}
	return h.ack
}

// Signaled reports whether Signal has been called.
func (h *ShutdownHandle) Signaled() bool {
	return h.signaled.Load()
}

// Consume hands out the signal receiver and the acknowledgment sender.
// Calling Consume twice is a programming error and panics.
func (l *ShutdownListener) Consume() (<-chan struct{}, chan<- struct{}) {
	if !l.consumed.CompareAndSwap(false, true) {
		panic(fmt.Errorf("%w: shutdown listener consumed twice", ErrReuseViolation))
	}
	return l.signal, l.ack
}
