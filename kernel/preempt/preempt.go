// Package preempt implements the Orchestrator Kernel's Preemption Mux:
// a single cancellation fan-in merging user input, shutdown requests,
// and policy overrides into one signal that every in-flight turn's
// context derives from.
package preempt

import (
	"context"
	"sync"
)

// Source identifies which of the three signal origins fired.
type Source string

const (
	SourceUser     Source = "user"
	SourceShutdown Source = "shutdown"
	SourcePolicy   Source = "policy"
)

// Signal is the coalesced cancellation event the mux delivers.
type Signal struct {
	Source Source
	Reason string
}

// Mux merges signals from Fire calls into a single first-wins
// cancellation. Subsequent Fire calls after the first are coalesced:
// they neither overwrite the recorded Signal nor produce additional
// cancellations, matching spec.md §4.7's "first signal wins; later
// signals are coalesced into the same cancellation event".
type Mux struct {
	mu     sync.Mutex
	fired  bool
	signal Signal
	done   chan struct{}
}

// NewMux constructs an unfired Mux.
func NewMux() *Mux {
	return &Mux{done: make(chan struct{})}
}

// Fire records a cancellation signal. Only the first call since
// construction or the last Rearm has any effect; it closes the internal
// done channel, which every context derived via Derive since then
// observes immediately.
func (m *Mux) Fire(sig Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fired {
		return
	}
	m.fired = true
	m.signal = sig
	close(m.done)
}

// Fired reports whether the mux has fired since construction or the
// last Rearm and, if so, the signal that won the race.
func (m *Mux) Fired() (Signal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.signal, m.fired
}

// Rearm clears a fired, non-shutdown signal so that turns granted after
// this call are not immediately cancelled by it: Fire is otherwise a
// permanent one-shot latch, but the kernel keeps running turns
// indefinitely after a user/policy preemption (spec.md §4.7,
// end-to-end scenario 2), so something must reopen the mux for the next
// turn once the preempted one has fully wound down. The Turn Runner
// calls this after every RunTurn that observed a fired signal. A fired
// shutdown signal is never cleared, since shutdown is permanent for the
// life of the kernel.
func (m *Mux) Rearm() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.fired || m.signal.Source == SourceShutdown {
		return
	}
	m.fired = false
	m.signal = Signal{}
	m.done = make(chan struct{})
}

// Done returns a channel closed the instant the mux fires, suitable
// for direct use in a select alongside other channels. The returned
// channel is a snapshot: callers holding it across a Rearm continue to
// see the old (already-closed) channel, exactly like a context.Context
// derived via Derive before the Rearm.
func (m *Mux) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// Derive returns a context cancelled either when parent is cancelled or
// when the mux fires, whichever happens first. The returned
// CancelFunc releases the goroutine backing the derived context and
// must always be called, typically via defer, once the turn using it
// completes normally.
func (m *Mux) Derive(parent context.Context) (context.Context, context.CancelFunc) {
	done := m.Done() // snapshot: ignores a Rearm that happens after this call
	ctx, cancel := context.WithCancel(parent)
	stop := make(chan struct{})
	var once sync.Once
	go func() {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		case <-stop:
		}
	}()
	return ctx, func() {
		once.Do(func() { close(stop) })
		cancel()
	}
}
