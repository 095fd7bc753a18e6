package publish

import (
	"context"
	"sync"

	"feedsync/pkg/models"
	"feedsync/pkg/view"
)

// State of one publication.
type State string

const (
	StateCreated            State = "created"
	StateSubmitted          State = "submitted"
	StateChallengeReceived  State = "challenge_received"
	StateVerificationFailed State = "verification_failed"
	StateVerified           State = "verified"
	StateAbandoned          State = "abandoned"
	StateFailed             State = "failed"
)

// Terminal reports whether no further transition can happen once the engine
// stops driving the publication.
func (s State) Terminal() bool {
	return s == StateVerified || s == StateAbandoned || s == StateFailed
}

// Handle tracks one publication driven by the engine.
type Handle struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	states *view.Value[State]

	mu        sync.Mutex
	abandoned bool
	attempts  int
	record    models.PendingRecord
	err       error
}

func newHandle(parent context.Context, rec models.PendingRecord) *Handle {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	return &Handle{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		states: view.NewValue(StateCreated),
		record: rec,
	}
}

// State returns the current state.
func (h *Handle) State() State {
	return h.states.Snapshot()
}

// Updates streams state transitions, latest wins.
func (h *Handle) Updates() (<-chan State, func()) {
	return h.states.Subscribe()
}

// Attempts returns how many submittables were created.
func (h *Handle) Attempts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts
}

// Record returns the history record, resolved once the network assigned an id.
func (h *Handle) Record() models.PendingRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.record
}

// Abandon stops the retry loop. It is checked before every resubmission and
// interrupts a wait on the network.
func (h *Handle) Abandon() {
	h.mu.Lock()
	h.abandoned = true
	h.mu.Unlock()
	h.cancel()
}

func (h *Handle) isAbandoned() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.abandoned
}

// Done is closed when the engine stops driving the publication.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until Done or ctx ends, and returns the terminal error: nil
// after verification, a wrapped syncerr.ErrAbandoned after Abandon, or the
// transport error that stopped the publication.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) set(s State) {
	h.states.Set(s)
}

func (h *Handle) setRecord(rec models.PendingRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record = rec
}

func (h *Handle) attempt() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempts++
	return h.attempts
}

func (h *Handle) finish(s State, err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	if s.Terminal() && h.State() != s {
		h.set(s)
	}
	h.cancel()
	close(h.done)
}
