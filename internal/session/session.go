// Package session holds the client-side authoritative view of one race:
// the participant map, race-level metadata, and the selectors front ends
// read. All mutation flows through a single goroutine consuming tagged
// messages, so handlers never race each other; subscribers receive
// versioned snapshots after every change.
package session

import (
	"context"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/itchyfingers/raceclient/internal/engine"
	"github.com/itchyfingers/raceclient/pkg/protocol"
)

// Participant and Race are the wire shapes from pkg/protocol; the store
// treats them as its domain model so handlers can merge server payloads
// without conversion.
type (
	Participant = protocol.Participant
	Race        = protocol.Race
)

// Patch is a shallow merge for one participant: nil fields retain the prior
// value, set fields overwrite. Disjoint patches commute, so out-of-order
// delivery of updates touching different fields cannot lose writes.
type Patch struct {
	ClientID        string
	DisplayName     *string
	CurrentPosition *int
	CorrectPosition *int
	TotalKeystrokes *int
	CurrentSpeed    *int
	CurrentAccuracy *int
	StartedAt       *time.Time
	EndedAt         *time.Time
}

// Msg is a tagged store message.
type Msg interface{ isStoreMsg() }

// Upsert inserts or shallow-merges one participant.
type Upsert struct{ Patch Patch }

// Remove deletes a participant; a no-op when absent.
type Remove struct{ ClientID string }

// ReplaceAll atomically swaps the whole participant map. Used for the
// initial snapshot and after reconnects.
type ReplaceAll struct{ Participants []Participant }

// PrimeRace seeds race metadata from the HTTP collaborator before the
// socket connects.
type PrimeRace struct {
	ID           string
	ScheduledFor *time.Time
}

// StartRace records the server's race-start event: the text arrives here
// and nowhere else.
type StartRace struct {
	Text      string
	StartedAt time.Time
}

// EndRace records the end-of-race event.
type EndRace struct{ EndedAt time.Time }

// Subscribe registers a snapshot outbox; the current snapshot is delivered
// immediately.
type Subscribe struct {
	ID     string
	Outbox chan Snapshot
}

// Unsubscribe removes a subscriber.
type Unsubscribe struct{ ID string }

// Get requests the current snapshot without subscribing.
type Get struct{ Reply chan Snapshot }

// Shutdown stops the store loop and closes all subscriber outboxes.
type Shutdown struct{}

func (Upsert) isStoreMsg()      {}
func (Remove) isStoreMsg()      {}
func (ReplaceAll) isStoreMsg()  {}
func (PrimeRace) isStoreMsg()   {}
func (StartRace) isStoreMsg()   {}
func (EndRace) isStoreMsg()     {}
func (Subscribe) isStoreMsg()   {}
func (Unsubscribe) isStoreMsg() {}
func (Get) isStoreMsg()         {}
func (Shutdown) isStoreMsg()    {}

// Snapshot is an immutable copy of the store state at one version.
type Snapshot struct {
	Version      int
	Race         Race
	Participants []Participant
}

// Self returns the local participant, if present.
func (s Snapshot) Self(clientID string) (Participant, bool) {
	for _, p := range s.Participants {
		if p.ClientID == clientID {
			return p, true
		}
	}
	return Participant{}, false
}

// Others returns every participant except clientID.
func (s Snapshot) Others(clientID string) []Participant {
	out := make([]Participant, 0, len(s.Participants))
	for _, p := range s.Participants {
		if p.ClientID != clientID {
			out = append(out, p)
		}
	}
	return out
}

// Ranked returns participants ordered for a leaderboard: finished first,
// then by verified position, then by speed; finished participants tie-break
// on elapsed time, fastest first.
func (s Snapshot) Ranked() []Participant {
	out := make([]Participant, len(s.Participants))
	copy(out, s.Participants)
	slices.SortStableFunc(out, func(a, b Participant) int {
		if a.Finished() != b.Finished() {
			if a.Finished() {
				return -1
			}
			return 1
		}
		if a.CorrectPosition != b.CorrectPosition {
			return b.CorrectPosition - a.CorrectPosition
		}
		if a.CurrentSpeed != b.CurrentSpeed {
			return b.CurrentSpeed - a.CurrentSpeed
		}
		if a.Finished() && b.Finished() {
			if d := a.Elapsed() - b.Elapsed(); d != 0 {
				if d < 0 {
					return -1
				}
				return 1
			}
		}
		return 0
	})
	return out
}

// AllFinished reports whether every participant has an end time. False for
// an empty map.
func (s Snapshot) AllFinished() bool {
	if len(s.Participants) == 0 {
		return false
	}
	for _, p := range s.Participants {
		if !p.Finished() {
			return false
		}
	}
	return true
}

// Store is the single-writer participant store.
type Store struct {
	inbox        chan Msg
	race         Race
	text         []rune
	participants map[string]Participant
	version      int
	subs         map[string]chan Snapshot
	ctx          context.Context
	cancel       context.CancelFunc
	done         chan struct{}
	log          *zap.Logger
}

// NewStore starts the store loop. The store lives until Shutdown or until
// parent is cancelled.
func NewStore(parent context.Context, log *zap.Logger) *Store {
	ctx, cancel := context.WithCancel(parent)
	s := &Store{
		inbox:        make(chan Msg, 64),
		participants: make(map[string]Participant),
		subs:         make(map[string]chan Snapshot),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		log:          log,
	}
	go s.loop()
	return s
}

// Inbox exposes the message channel to the dispatch loop and tests.
func (s *Store) Inbox() chan<- Msg { return s.inbox }

// Done is closed once the store loop has stopped. Readers racing a
// shutdown select on it instead of waiting for a reply that will never
// come.
func (s *Store) Done() <-chan struct{} { return s.done }

func (s *Store) loop() {
	for {
		select {
		case <-s.ctx.Done():
			s.shutdown()
			return

		case m := <-s.inbox:
			switch msg := m.(type) {
			case Upsert:
				s.apply(msg.Patch)
				s.broadcast()

			case Remove:
				if _, ok := s.participants[msg.ClientID]; ok {
					delete(s.participants, msg.ClientID)
					s.broadcast()
				}

			case ReplaceAll:
				s.participants = make(map[string]Participant, len(msg.Participants))
				for _, p := range msg.Participants {
					s.participants[p.ClientID] = s.clamp(p)
				}
				s.broadcast()

			case PrimeRace:
				s.race.ID = msg.ID
				s.race.ScheduledFor = msg.ScheduledFor
				s.broadcast()

			case StartRace:
				started := msg.StartedAt
				s.race.Text = msg.Text
				s.race.StartedAt = &started
				s.text = []rune(msg.Text)
				s.broadcast()

			case EndRace:
				if s.race.EndedAt == nil {
					ended := msg.EndedAt
					s.race.EndedAt = &ended
					s.broadcast()
				}

			case Subscribe:
				// Same policy as broadcast: an outbox that cannot take the
				// initial snapshot must not stall the loop.
				select {
				case msg.Outbox <- s.snapshot():
					s.subs[msg.ID] = msg.Outbox
				default:
					s.log.Warn("dropping slow snapshot subscriber", zap.String("subscriber", msg.ID))
					close(msg.Outbox)
				}

			case Unsubscribe:
				delete(s.subs, msg.ID)

			case Get:
				msg.Reply <- s.snapshot()

			case Shutdown:
				s.shutdown()
				return
			}
		}
	}
}

// apply performs the shallow merge. Last write wins per field, where "last"
// is inbox arrival order.
func (s *Store) apply(p Patch) {
	cur, ok := s.participants[p.ClientID]
	if !ok {
		cur = Participant{ClientID: p.ClientID}
	}
	if p.DisplayName != nil {
		cur.DisplayName = *p.DisplayName
	}
	if p.CurrentPosition != nil {
		cur.CurrentPosition = *p.CurrentPosition
	}
	if p.CorrectPosition != nil {
		cur.CorrectPosition = *p.CorrectPosition
	}
	if p.TotalKeystrokes != nil {
		cur.TotalKeystrokes = *p.TotalKeystrokes
	}
	if p.CurrentSpeed != nil {
		cur.CurrentSpeed = *p.CurrentSpeed
	}
	if p.CurrentAccuracy != nil {
		cur.CurrentAccuracy = *p.CurrentAccuracy
	}
	if p.StartedAt != nil {
		cur.StartedAt = p.StartedAt
	}
	// endedAt is set exactly once; only ReplaceAll can clear it.
	if p.EndedAt != nil && cur.EndedAt == nil {
		cur.EndedAt = p.EndedAt
	}
	s.participants[p.ClientID] = s.clamp(cur)
}

// clamp keeps positions inside the race text even on bad updates.
func (s *Store) clamp(p Participant) Participant {
	if p.CurrentPosition < 0 {
		p.CurrentPosition = 0
	}
	if p.CorrectPosition < 0 {
		p.CorrectPosition = 0
	}
	if len(s.text) > 0 {
		c := engine.Clamp(s.text, engine.Cursor{Current: p.CurrentPosition, Correct: p.CorrectPosition})
		p.CurrentPosition = c.Current
		p.CorrectPosition = c.Correct
	} else if p.CorrectPosition > p.CurrentPosition {
		p.CorrectPosition = p.CurrentPosition
	}
	return p
}

func (s *Store) snapshot() Snapshot {
	list := make([]Participant, 0, len(s.participants))
	for _, p := range s.participants {
		list = append(list, p)
	}
	slices.SortFunc(list, func(a, b Participant) int {
		return strings.Compare(a.ClientID, b.ClientID)
	})
	return Snapshot{Version: s.version, Race: s.race, Participants: list}
}

func (s *Store) broadcast() {
	s.version++
	snap := s.snapshot()
	for id, ch := range s.subs {
		select {
		case ch <- snap:
			// ok
		default:
			// Subscriber is slow or full: drop it rather than stall the loop.
			s.log.Warn("dropping slow snapshot subscriber", zap.String("subscriber", id))
			close(ch)
			delete(s.subs, id)
		}
	}
}

func (s *Store) shutdown() {
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.cancel()
	// The inbox is buffered, so reads may have been queued behind the
	// shutdown. Answer them before signalling done; anything arriving
	// later selects on Done instead.
	for {
		select {
		case m := <-s.inbox:
			if get, ok := m.(Get); ok {
				get.Reply <- s.snapshot()
			}
		default:
			close(s.done)
			return
		}
	}
}
