package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-posture/internal/bus"
	"github.com/e7canasta/orion-posture/internal/types"
)

var (
	// ErrStopped is returned when the machine's lane is no longer running
	ErrStopped = errors.New("status: machine stopped")
	// ErrInvalidTransition is returned when a transition would break an invariant
	ErrInvalidTransition = errors.New("status: invalid transition")
)

// updateBuffer is the capacity of the UI lane queue
const updateBuffer = 64

// State is the UI-lane owned state a transition may mutate
type State struct {
	Status     types.Status
	Monitoring bool
	// Generation identifies the current capture session. Starting or
	// stopping a session bumps it.
	Generation uint64
}

// Snapshot is an immutable view of the state for readers
type Snapshot struct {
	Status     types.Status `json:"status"`
	Label      string       `json:"label"`
	Monitoring bool         `json:"monitoring"`
	Generation uint64       `json:"generation"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// Change describes one applied status change
type Change struct {
	Seq        uint64       `json:"seq"`
	Previous   types.Status `json:"previous"`
	Status     types.Status `json:"status"`
	Label      string       `json:"label"`
	Monitoring bool         `json:"monitoring"`
	Generation uint64       `json:"generation"`
	Reason     string       `json:"reason,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
}

// Overlay is the last observed keypoint set of the current session
type Overlay struct {
	Generation uint64            `json:"generation"`
	Keypoints  types.KeypointSet `json:"keypoints"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Counters are cumulative update statistics
type Counters struct {
	Applied   uint64 `json:"applied"`
	Redundant uint64 `json:"redundant"`
	Filtered  uint64 `json:"filtered"`
	Stale     uint64 `json:"stale"`
}

type updateKind int

const (
	kindPropose updateKind = iota
	kindTransition
	kindOverlay
)

type update struct {
	kind   updateKind
	status types.Status
	reason string

	// generation-tagged proposals and overlays; anyGen applies to current
	gen    uint64
	anyGen bool

	fn    func(*State) error
	ctx   context.Context
	reply chan error

	overlay types.KeypointSet
}

// Machine is the status state machine. Create with New, then run Run on
// its own goroutine.
type Machine struct {
	updates chan update
	changes *bus.Bus[Change]
	done    chan struct{}

	// owned by the UI lane
	state     State
	changeSeq uint64

	snapshot atomic.Pointer[Snapshot]
	overlay  atomic.Pointer[Overlay]

	applied   atomic.Uint64
	redundant atomic.Uint64
	filtered  atomic.Uint64
	stale     atomic.Uint64
}

// New creates a machine in the initializing status, not monitoring
func New(changes *bus.Bus[Change]) *Machine {
	if changes == nil {
		changes = bus.New[Change]()
	}

	m := &Machine{
		updates: make(chan update, updateBuffer),
		changes: changes,
		done:    make(chan struct{}),
		state:   State{Status: types.StatusInitializing},
	}
	m.publishSnapshot()
	m.overlay.Store(&Overlay{})
	return m
}

// Changes returns the bus status changes are published on
func (m *Machine) Changes() *bus.Bus[Change] {
	return m.changes
}

// Run is the UI lane. It returns when ctx is cancelled.
func (m *Machine) Run(ctx context.Context) {
	defer close(m.done)

	slog.Info("status: ui lane started", "status", m.state.Status)

	for {
		select {
		case <-ctx.Done():
			m.drain()
			slog.Info("status: ui lane stopped", "status", m.state.Status)
			return
		case u := <-m.updates:
			m.apply(u)
		}
	}
}

// drain fails pending transitions so their callers do not block
func (m *Machine) drain() {
	for {
		select {
		case u := <-m.updates:
			if u.reply != nil {
				u.reply <- ErrStopped
			}
		default:
			return
		}
	}
}

func (m *Machine) apply(u update) {
	switch u.kind {
	case kindPropose:
		m.applyProposal(u)
	case kindTransition:
		u.reply <- m.applyTransition(u)
	case kindOverlay:
		m.applyOverlay(u)
	}
}

func (m *Machine) applyProposal(u update) {
	if !u.anyGen && u.gen != m.state.Generation {
		m.stale.Add(1)
		slog.Debug("status: stale proposal discarded",
			"status", u.status,
			"generation", u.gen,
			"current_generation", m.state.Generation,
		)
		return
	}

	if !m.state.Monitoring && !u.status.Interrupting() {
		m.filtered.Add(1)
		return
	}

	next := m.state
	next.Status = u.status
	m.commit(next, u.reason)
}

func (m *Machine) applyTransition(u update) error {
	if err := u.ctx.Err(); err != nil {
		return err
	}

	next := m.state
	if err := u.fn(&next); err != nil {
		return err
	}

	if m.state.Monitoring && !next.Monitoring {
		next.Status = types.StatusPaused
	}
	if next.Monitoring && next.Status == types.StatusCalibrating {
		return fmt.Errorf("%w: monitoring while calibrating", ErrInvalidTransition)
	}

	m.commit(next, u.reason)
	return nil
}

func (m *Machine) applyOverlay(u update) {
	if !u.anyGen && u.gen != m.state.Generation {
		m.stale.Add(1)
		return
	}
	m.overlay.Store(&Overlay{
		Generation: m.state.Generation,
		Keypoints:  u.overlay,
		UpdatedAt:  time.Now(),
	})
}

// commit installs next as the current state, publishing a change when the
// status differs. Redundant writes notify nobody.
func (m *Machine) commit(next State, reason string) {
	prev := m.state
	m.state = next

	if next.Generation != prev.Generation {
		m.overlay.Store(&Overlay{Generation: next.Generation})
	}

	if next == prev {
		m.redundant.Add(1)
		return
	}

	m.publishSnapshot()

	if next.Status == prev.Status {
		// monitoring or generation moved without a visible status change
		return
	}

	m.applied.Add(1)
	m.changeSeq++
	change := Change{
		Seq:        m.changeSeq,
		Previous:   prev.Status,
		Status:     next.Status,
		Label:      next.Status.Label(),
		Monitoring: next.Monitoring,
		Generation: next.Generation,
		Reason:     reason,
		Timestamp:  time.Now(),
	}

	slog.Info("status: changed",
		"from", prev.Status,
		"to", next.Status,
		"monitoring", next.Monitoring,
		"generation", next.Generation,
		"reason", reason,
	)

	m.changes.Publish(change)
}

func (m *Machine) publishSnapshot() {
	m.snapshot.Store(&Snapshot{
		Status:     m.state.Status,
		Label:      m.state.Status.Label(),
		Monitoring: m.state.Monitoring,
		Generation: m.state.Generation,
		UpdatedAt:  time.Now(),
	})
}

// enqueue never blocks the caller's lane; a full queue drops the update
func (m *Machine) enqueue(u update) {
	select {
	case <-m.done:
		return
	default:
	}

	select {
	case m.updates <- u:
	default:
		slog.Warn("status: update queue full, dropping update", "kind", u.kind, "status", u.status)
	}
}

// Propose submits a status for the current generation
func (m *Machine) Propose(s types.Status, reason string) {
	m.enqueue(update{kind: kindPropose, status: s, reason: reason, anyGen: true})
}

// ProposeFor submits a status on behalf of session gen; it is discarded if
// gen is no longer current.
func (m *Machine) ProposeFor(gen uint64, s types.Status, reason string) {
	m.enqueue(update{kind: kindPropose, status: s, reason: reason, gen: gen})
}

// SetOverlay replaces the overlay for session gen; nil clears it
func (m *Machine) SetOverlay(gen uint64, set types.KeypointSet) {
	m.enqueue(update{kind: kindOverlay, gen: gen, overlay: set})
}

// Transition runs fn on the UI lane against the current state. If fn
// returns an error the state is left untouched and the error is returned.
// ctx only bounds the wait for a queue slot and skips a transition that
// has not been applied yet.
func (m *Machine) Transition(ctx context.Context, reason string, fn func(*State) error) error {
	u := update{
		kind:   kindTransition,
		fn:     fn,
		ctx:    ctx,
		reason: reason,
		reply:  make(chan error, 1),
	}

	select {
	case m.updates <- u:
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	// once queued, the outcome is always reported; ctx is checked on the UI
	// lane before fn runs
	select {
	case err := <-u.reply:
		return err
	case <-m.done:
		// Run may have drained the reply before exiting
		select {
		case err := <-u.reply:
			return err
		default:
			return ErrStopped
		}
	}
}

// Status returns the current status
func (m *Machine) Status() types.Status {
	return m.snapshot.Load().Status
}

// Monitoring reports whether a monitoring session is active
func (m *Machine) Monitoring() bool {
	return m.snapshot.Load().Monitoring
}

// Generation returns the current session generation
func (m *Machine) Generation() uint64 {
	return m.snapshot.Load().Generation
}

// Snapshot returns the current state
func (m *Machine) Snapshot() Snapshot {
	return *m.snapshot.Load()
}

// Overlay returns the last observed keypoints of the current session
func (m *Machine) Overlay() Overlay {
	return *m.overlay.Load()
}

// Counters returns cumulative update statistics
func (m *Machine) Counters() Counters {
	return Counters{
		Applied:   m.applied.Load(),
		Redundant: m.redundant.Load(),
		Filtered:  m.filtered.Load(),
		Stale:     m.stale.Load(),
	}
}
