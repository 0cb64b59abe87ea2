// Package reconcile matches locally predicted cursor states against
// server confirmations. Each prediction is tagged with a monotonic request
// id before it is sent; the server echoes the id back together with its own
// authoritative cursor. Matching confirmations just trim bookkeeping;
// mismatches throw away every speculative state and adopt the server's
// cursor as the new baseline. This keeps input latency at zero while
// guaranteeing convergence with server truth.
//
// The scheme relies on single-channel FIFO delivery. Across a reconnect
// that guarantee is void, so the owner must call Reset with a fresh
// snapshot instead of reconciling incrementally.
package reconcile

import "github.com/itchyfingers/raceclient/internal/engine"

// Outcome classifies how a confirmation resolved.
type Outcome string

const (
	// Converged means the prediction matched server truth exactly.
	Converged Outcome = "converged"
	// Diverged means local speculation was wrong and has been discarded;
	// the caller must replace its state with Resolution.Cursor.
	Diverged Outcome = "diverged"
	// Stale means the confirmation refers to an already superseded
	// prediction and carries no new information.
	Stale Outcome = "stale"
)

// Resolution is the result of feeding one confirmation to the tracker.
type Resolution struct {
	Outcome Outcome
	// Cursor is the authoritative state to adopt when Outcome is Diverged.
	Cursor engine.Cursor
}

type prediction struct {
	rid    uint64
	cursor engine.Cursor
}

// Tracker keeps the ordered, append-only history of unconfirmed
// predictions. It is not safe for concurrent use; the owning dispatch loop
// serializes access.
type Tracker struct {
	next     uint64
	resolved uint64 // highest rid no longer awaiting confirmation
	pending  []prediction
	baseline engine.Cursor
}

// NewTracker returns a tracker whose first prediction gets rid 1.
func NewTracker() *Tracker {
	return &Tracker{next: 1}
}

// Predict records a locally applied cursor and returns the rid to send
// with the keystroke.
func (t *Tracker) Predict(c engine.Cursor) uint64 {
	rid := t.next
	t.next++
	t.pending = append(t.pending, prediction{rid: rid, cursor: c})
	return rid
}

// Confirm resolves the server confirmation for rid against the stored
// prediction.
func (t *Tracker) Confirm(rid uint64, server engine.Cursor) Resolution {
	if rid <= t.resolved {
		return Resolution{Outcome: Stale, Cursor: t.baseline}
	}

	idx := -1
	for i, p := range t.pending {
		if p.rid == rid {
			idx = i
			break
		}
	}
	if idx < 0 {
		// The prediction was invalidated by an earlier divergence.
		return Resolution{Outcome: Stale, Cursor: t.baseline}
	}

	if t.pending[idx].cursor == server {
		// Everything up to and including rid is confirmed.
		t.pending = t.pending[idx+1:]
		t.resolved = rid
		t.baseline = server
		return Resolution{Outcome: Converged, Cursor: server}
	}

	// Divergence: all speculative state was computed from a baseline the
	// server disagrees with, so none of it can be trusted. Later rids still
	// in flight are superseded too.
	t.pending = nil
	if t.next > 0 {
		t.resolved = t.next - 1
	}
	t.baseline = server
	return Resolution{Outcome: Diverged, Cursor: server}
}

// Reset discards all speculative state and starts from a fresh baseline.
// Required after any reconnect, where FIFO ordering across the gap is not
// guaranteed.
func (t *Tracker) Reset(baseline engine.Cursor) {
	t.pending = nil
	if t.next > 0 {
		t.resolved = t.next - 1
	}
	t.baseline = baseline
}

// Pending returns how many predictions await confirmation.
func (t *Tracker) Pending() int { return len(t.pending) }

// Baseline returns the last server-confirmed cursor.
func (t *Tracker) Baseline() engine.Cursor { return t.baseline }
