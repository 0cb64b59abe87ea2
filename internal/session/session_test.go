package session

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

// helper: receive one snapshot with a timeout so tests never hang
func recvSnapshot(t *testing.T, ch <-chan Snapshot, within time.Duration) Snapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		if !ok {
			t.Fatalf("subscriber outbox closed unexpectedly")
		}
		return snap
	case <-time.After(within):
		t.Fatalf("timed out waiting for snapshot")
		return Snapshot{} // unreachable
	}
}

func newTestStore(t *testing.T) (*Store, chan Snapshot) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s := NewStore(ctx, zap.NewNop())
	out := make(chan Snapshot, 8)
	s.Inbox() <- Subscribe{ID: "t", Outbox: out}
	first := recvSnapshot(t, out, 100*time.Millisecond)
	if first.Version != 0 {
		t.Fatalf("after subscribe: want version=0, got %d", first.Version)
	}
	return s, out
}

func intPtr(v int) *int { return &v }

func strPtr(v string) *string { return &v }

func timePtr(v time.Time) *time.Time { return &v }

func TestStore_UpsertBroadcastsAndVersionIncrements(t *testing.T) {
	s, out := newTestStore(t)

	s.Inbox() <- Upsert{Patch: Patch{
		ClientID:        "c1",
		DisplayName:     strPtr("ada"),
		CurrentPosition: intPtr(3),
		CorrectPosition: intPtr(3),
	}}

	snap := recvSnapshot(t, out, 100*time.Millisecond)
	if snap.Version != 1 {
		t.Fatalf("want version=1, got %d", snap.Version)
	}
	p, ok := snap.Self("c1")
	if !ok {
		t.Fatalf("participant c1 not found: %+v", snap.Participants)
	}
	if p.DisplayName != "ada" || p.CurrentPosition != 3 || p.CorrectPosition != 3 {
		t.Fatalf("unexpected participant: %+v", p)
	}
}

func TestStore_MergeRetainsAbsentFields(t *testing.T) {
	s, out := newTestStore(t)

	s.Inbox() <- Upsert{Patch: Patch{
		ClientID:        "c1",
		DisplayName:     strPtr("ada"),
		CurrentPosition: intPtr(5),
		CorrectPosition: intPtr(4),
		TotalKeystrokes: intPtr(6),
	}}
	_ = recvSnapshot(t, out, 100*time.Millisecond)

	// A later update touching only speed keeps everything else.
	s.Inbox() <- Upsert{Patch: Patch{ClientID: "c1", CurrentSpeed: intPtr(42)}}
	snap := recvSnapshot(t, out, 100*time.Millisecond)

	p, _ := snap.Self("c1")
	if p.DisplayName != "ada" || p.CurrentPosition != 5 || p.CorrectPosition != 4 || p.TotalKeystrokes != 6 {
		t.Fatalf("merge lost fields: %+v", p)
	}
	if p.CurrentSpeed != 42 {
		t.Fatalf("merge did not apply speed: %+v", p)
	}
}

func TestStore_EndedAtIsSetOnce(t *testing.T) {
	s, out := newTestStore(t)

	t1 := time.Now()
	t2 := t1.Add(time.Minute)

	s.Inbox() <- Upsert{Patch: Patch{ClientID: "c1", EndedAt: timePtr(t1)}}
	_ = recvSnapshot(t, out, 100*time.Millisecond)

	s.Inbox() <- Upsert{Patch: Patch{ClientID: "c1", EndedAt: timePtr(t2)}}
	snap := recvSnapshot(t, out, 100*time.Millisecond)

	p, _ := snap.Self("c1")
	if p.EndedAt == nil || !p.EndedAt.Equal(t1) {
		t.Fatalf("endedAt must keep its first value, got %v", p.EndedAt)
	}
}

func TestStore_RemoveIsIdempotent(t *testing.T) {
	s, out := newTestStore(t)

	s.Inbox() <- Upsert{Patch: Patch{ClientID: "c1"}}
	_ = recvSnapshot(t, out, 100*time.Millisecond)

	s.Inbox() <- Remove{ClientID: "c1"}
	snap := recvSnapshot(t, out, 100*time.Millisecond)
	if len(snap.Participants) != 0 {
		t.Fatalf("expected empty store, got %+v", snap.Participants)
	}

	// Removing again broadcasts nothing; a Get still answers.
	s.Inbox() <- Remove{ClientID: "c1"}
	reply := make(chan Snapshot, 1)
	s.Inbox() <- Get{Reply: reply}
	got := recvSnapshot(t, reply, 100*time.Millisecond)
	if got.Version != snap.Version {
		t.Fatalf("no-op remove must not bump version: %d != %d", got.Version, snap.Version)
	}
}

func TestStore_ReplaceAllSwapsAtomically(t *testing.T) {
	s, out := newTestStore(t)

	s.Inbox() <- Upsert{Patch: Patch{ClientID: "stale"}}
	_ = recvSnapshot(t, out, 100*time.Millisecond)

	s.Inbox() <- ReplaceAll{Participants: []Participant{
		{ClientID: "a", CorrectPosition: 1},
		{ClientID: "b", CorrectPosition: 2},
	}}
	snap := recvSnapshot(t, out, 100*time.Millisecond)

	if len(snap.Participants) != 2 {
		t.Fatalf("want 2 participants, got %+v", snap.Participants)
	}
	if _, ok := snap.Self("stale"); ok {
		t.Fatalf("stale participant survived ReplaceAll")
	}
}

func TestStore_TextOnlyAfterStart(t *testing.T) {
	s, out := newTestStore(t)

	sched := time.Now().Add(time.Minute)
	s.Inbox() <- PrimeRace{ID: "r1", ScheduledFor: &sched}
	snap := recvSnapshot(t, out, 100*time.Millisecond)
	if snap.Race.Text != "" || snap.Race.StartedAt != nil {
		t.Fatalf("race must have no text before start: %+v", snap.Race)
	}

	s.Inbox() <- StartRace{Text: "cat dog", StartedAt: time.Now()}
	snap = recvSnapshot(t, out, 100*time.Millisecond)
	if snap.Race.Text == "" || snap.Race.StartedAt == nil {
		t.Fatalf("race must carry text once started: %+v", snap.Race)
	}
}

func TestStore_UpsertClampsAgainstText(t *testing.T) {
	s, out := newTestStore(t)

	s.Inbox() <- StartRace{Text: "cat", StartedAt: time.Now()}
	_ = recvSnapshot(t, out, 100*time.Millisecond)

	s.Inbox() <- Upsert{Patch: Patch{
		ClientID:        "c1",
		CurrentPosition: intPtr(50),
		CorrectPosition: intPtr(99),
	}}
	snap := recvSnapshot(t, out, 100*time.Millisecond)

	p, _ := snap.Self("c1")
	if p.CurrentPosition != 3 || p.CorrectPosition != 3 {
		t.Fatalf("positions not clamped to text: %+v", p)
	}
}

func TestSnapshot_RankedOrdering(t *testing.T) {
	start := time.Now()
	t1 := start.Add(30 * time.Second)
	t2 := start.Add(45 * time.Second)

	snap := Snapshot{Participants: []Participant{
		{ClientID: "p3", CorrectPosition: 50},
		{ClientID: "p2", CorrectPosition: 100, StartedAt: &start, EndedAt: &t2},
		{ClientID: "p1", CorrectPosition: 100, StartedAt: &start, EndedAt: &t1},
	}}

	ranked := snap.Ranked()
	want := []string{"p1", "p2", "p3"}
	for i, id := range want {
		if ranked[i].ClientID != id {
			t.Fatalf("rank %d: want %s, got %s (full: %+v)", i, id, ranked[i].ClientID, ranked)
		}
	}
}

func TestSnapshot_RankedUnfinishedBySpeed(t *testing.T) {
	snap := Snapshot{Participants: []Participant{
		{ClientID: "slow", CorrectPosition: 40, CurrentSpeed: 30},
		{ClientID: "fast", CorrectPosition: 40, CurrentSpeed: 80},
		{ClientID: "ahead", CorrectPosition: 60, CurrentSpeed: 10},
	}}

	ranked := snap.Ranked()
	want := []string{"ahead", "fast", "slow"}
	for i, id := range want {
		if ranked[i].ClientID != id {
			t.Fatalf("rank %d: want %s, got %s", i, id, ranked[i].ClientID)
		}
	}
}

func TestSnapshot_SelfAndOthers(t *testing.T) {
	snap := Snapshot{Participants: []Participant{
		{ClientID: "me"}, {ClientID: "them"}, {ClientID: "other"},
	}}

	if _, ok := snap.Self("me"); !ok {
		t.Fatalf("self not found")
	}
	others := snap.Others("me")
	if len(others) != 2 {
		t.Fatalf("want 2 others, got %+v", others)
	}
	for _, p := range others {
		if p.ClientID == "me" {
			t.Fatalf("self leaked into others")
		}
	}
}

func TestStore_DropSlowSubscriber(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewStore(ctx, zap.NewNop())

	// Buffer of 1 is consumed by the subscribe snapshot; the next broadcast
	// cannot be delivered and must drop the subscriber instead of stalling.
	out := make(chan Snapshot, 1)
	s.Inbox() <- Subscribe{ID: "slow", Outbox: out}
	s.Inbox() <- Upsert{Patch: Patch{ClientID: "c1"}}
	s.Inbox() <- Upsert{Patch: Patch{ClientID: "c2"}}

	reply := make(chan Snapshot, 1)
	s.Inbox() <- Get{Reply: reply}
	snap := recvSnapshot(t, reply, 200*time.Millisecond)
	if len(snap.Participants) != 2 {
		t.Fatalf("store stalled behind slow subscriber: %+v", snap.Participants)
	}
}

func TestSnapshot_AllFinished(t *testing.T) {
	end := time.Now()
	if (Snapshot{}).AllFinished() {
		t.Fatalf("empty snapshot must not report all finished")
	}
	snap := Snapshot{Participants: []Participant{
		{ClientID: "a", EndedAt: &end},
		{ClientID: "b"},
	}}
	if snap.AllFinished() {
		t.Fatalf("unfinished participant present")
	}
	snap.Participants[1].EndedAt = &end
	if !snap.AllFinished() {
		t.Fatalf("all participants finished")
	}
}

func TestStore_ShutdownAnswersQueuedReads(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		inbox:        make(chan Msg, 4),
		participants: make(map[string]Participant),
		subs:         make(map[string]chan Snapshot),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		log:          zap.NewNop(),
	}

	// A read queued behind the shutdown in the buffered inbox must still
	// get an answer instead of stranding its caller.
	reply := make(chan Snapshot, 1)
	s.inbox <- Get{Reply: reply}
	s.shutdown()

	recvSnapshot(t, reply, 100*time.Millisecond)
	select {
	case <-s.Done():
	default:
		t.Fatalf("done not closed after shutdown")
	}
}

func TestStore_DoneSignalsShutdown(t *testing.T) {
	s, _ := newTestStore(t)

	select {
	case <-s.Done():
		t.Fatalf("done closed while store is running")
	default:
	}

	s.Inbox() <- Shutdown{}
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatalf("done not closed after shutdown")
	}
}

func TestStore_SubscribeWithFullOutboxIsDropped(t *testing.T) {
	s, _ := newTestStore(t)

	// Unbuffered outbox with no reader: the initial snapshot cannot be
	// delivered, so the subscriber is dropped and the loop keeps serving.
	stuck := make(chan Snapshot)
	s.Inbox() <- Subscribe{ID: "stuck", Outbox: stuck}

	reply := make(chan Snapshot, 1)
	s.Inbox() <- Get{Reply: reply}
	recvSnapshot(t, reply, 100*time.Millisecond)

	select {
	case _, ok := <-stuck:
		if ok {
			t.Fatalf("expected closed outbox, got snapshot")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatalf("outbox of dropped subscriber was not closed")
	}
}
