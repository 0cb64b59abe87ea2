// Package client assembles one race view: the HTTP prime, the realtime
// channel, the participant store, the cursor predictor, and the
// reconciliation tracker. Every mutation funnels through a single dispatch
// loop consuming tagged messages, so local keystrokes and socket events
// never race each other.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/itchyfingers/raceclient/internal/api"
	"github.com/itchyfingers/raceclient/internal/channel"
	"github.com/itchyfingers/raceclient/internal/engine"
	"github.com/itchyfingers/raceclient/internal/history"
	"github.com/itchyfingers/raceclient/internal/identity"
	"github.com/itchyfingers/raceclient/internal/metrics"
	"github.com/itchyfingers/raceclient/internal/phase"
	"github.com/itchyfingers/raceclient/internal/reconcile"
	"github.com/itchyfingers/raceclient/internal/session"
	"github.com/itchyfingers/raceclient/pkg/protocol"
)

// API is the HTTP collaborator surface the client depends on.
type API interface {
	Tournament(ctx context.Context, id string) (*api.Tournament, error)
	Participants(ctx context.Context, id string) ([]session.Participant, error)
	Enter(ctx context.Context, id string) error
}

// Channel is the realtime transport surface the client depends on.
type Channel interface {
	Connect(ctx context.Context, join protocol.Join) (*protocol.JoinData, error)
	On(event string, h channel.Handler)
	Off(event string)
	Emit(event string, payload any) error
	Disconnect()
}

// NotificationKind tags events delivered to the owning UI.
type NotificationKind string

const (
	KindPhaseChanged  NotificationKind = "phase_changed"
	KindProtocolError NotificationKind = "protocol_error"
	KindDisconnected  NotificationKind = "disconnected"
)

// Notification is a UI-facing event. Notifications may be dropped when the
// consumer lags; they carry no state, Snapshot is always authoritative.
type Notification struct {
	Kind    NotificationKind
	Phase   phase.State
	Message string
}

// Options configures a race view client.
type Options struct {
	RaceID    string
	Identity  identity.Identity
	Spectator bool

	API     API
	Channel Channel
	// History is optional; nil disables local result recording.
	History *history.Store

	Logger *zap.Logger
}

// tagged dispatch-loop messages, one type per event source
type msg interface{ isClientMsg() }

type charTyped struct{ ch rune }
type primed struct{ scheduledFor *time.Time }
type raceStarted struct{ p protocol.RaceStart }
type raceUpdated struct{ p protocol.RaceUpdate }
type participantJoined struct{ p session.Participant }
type participantLeft struct{ clientID string }
type typingConfirmed struct{ p protocol.TypingUpdate }
type transportDropped struct{ reason string }
type transportRelinked struct{}
type leaveReq struct{ done chan struct{} }

func (charTyped) isClientMsg()         {}
func (primed) isClientMsg()            {}
func (raceStarted) isClientMsg()       {}
func (raceUpdated) isClientMsg()       {}
func (participantJoined) isClientMsg() {}
func (participantLeft) isClientMsg()   {}
func (typingConfirmed) isClientMsg()   {}
func (transportDropped) isClientMsg()  {}
func (transportRelinked) isClientMsg() {}
func (leaveReq) isClientMsg()          {}

// Client drives one participant through one race session. Construct one
// per race view and always call Leave when the view goes away; the channel
// must not outlive it.
type Client struct {
	raceID    string
	id        identity.Identity
	spectator bool

	api     API
	chn     Channel
	store   *session.Store
	tracker *reconcile.Tracker
	hist    *history.Store
	log     *zap.Logger

	inbox  chan msg
	events chan Notification
	done   chan struct{}

	phaseVal atomic.Value // phase.State
	closed   atomic.Bool

	// dispatch-loop-owned race state
	text         []rune
	cursor       engine.Cursor
	keystrokes   int
	startedAt    time.Time
	scheduledFor *time.Time
	finished     bool
	recorded     bool
}

// New builds an unjoined client. The dispatch loop starts immediately so
// store and channel events are never lost; nothing is emitted until Join.
func New(parent context.Context, opts Options) *Client {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		raceID:    opts.RaceID,
		id:        opts.Identity,
		spectator: opts.Spectator,
		api:       opts.API,
		chn:       opts.Channel,
		store:     session.NewStore(parent, log),
		tracker:   reconcile.NewTracker(),
		hist:      opts.History,
		log:       log.With(zap.String("race", opts.RaceID)),
		inbox:     make(chan msg, 256),
		events:    make(chan Notification, 32),
		done:      make(chan struct{}),
	}
	c.phaseVal.Store(phase.Initializing)
	go c.loop()
	return c
}

// Phase returns the current race phase.
func (c *Client) Phase() phase.State {
	return c.phaseVal.Load().(phase.State)
}

// Events delivers UI notifications. The channel is closed by Leave.
func (c *Client) Events() <-chan Notification { return c.events }

// Snapshot returns the current session view. After Leave it returns the
// zero snapshot instead of blocking on the stopped store.
func (c *Client) Snapshot() session.Snapshot {
	reply := make(chan session.Snapshot, 1)
	select {
	case c.store.Inbox() <- session.Get{Reply: reply}:
	case <-c.store.Done():
		return session.Snapshot{}
	}
	select {
	case snap := <-reply:
		return snap
	case <-c.store.Done():
		// The store may have answered right before stopping.
		select {
		case snap := <-reply:
			return snap
		default:
			return session.Snapshot{}
		}
	}
}

// Join primes the view over HTTP, opens the realtime channel, and wires
// event handlers. On failure the phase machine lands in the matching
// terminal error state and the error is returned.
func (c *Client) Join(ctx context.Context) error {
	if c.id.ClientID == "" {
		c.signal(phase.SigAuthMissing)
		return identity.ErrNoIdentity
	}
	c.signal(phase.SigAuthResolved)

	tour, err := c.api.Tournament(ctx, c.raceID)
	if err != nil {
		c.signal(phase.SigConnectFailed)
		return err
	}
	c.store.Inbox() <- session.PrimeRace{ID: tour.ID, ScheduledFor: tour.ScheduledFor}
	c.post(primed{scheduledFor: tour.ScheduledFor})

	if !c.spectator {
		switch err := c.api.Enter(ctx, c.raceID); {
		case err == nil:
		case errors.Is(err, api.ErrJoinDeadline):
			// Entry closed: fall back to spectating instead of failing the view.
			c.log.Info("join deadline passed, spectating")
			c.spectator = true
		default:
			c.signal(phase.SigConnectFailed)
			return err
		}
	}

	participants, err := c.api.Participants(ctx, c.raceID)
	if err != nil {
		c.signal(phase.SigConnectFailed)
		return err
	}
	if len(participants) > 0 {
		c.store.Inbox() <- session.ReplaceAll{Participants: participants}
	}

	c.wireHandlers()

	data, err := c.chn.Connect(ctx, protocol.Join{
		RaceID:      c.raceID,
		ClientID:    c.id.ClientID,
		DisplayName: c.id.DisplayName,
		Spectator:   c.spectator,
		Anonymous:   c.id.Anonymous,
	})
	if err != nil {
		var cerr *channel.ConnectionError
		if errors.As(err, &cerr) && cerr.Cause == nil {
			// Transport came up but the server refused the join.
			c.signal(phase.SigJoinFailed)
		} else {
			c.signal(phase.SigConnectFailed)
		}
		return err
	}

	if data != nil {
		if len(data.Participants) > 0 {
			c.store.Inbox() <- session.ReplaceAll{Participants: data.Participants}
		}
		if data.Session.Text != "" && data.Session.StartedAt != nil {
			// Late join: the race is already running.
			c.post(raceStarted{p: protocol.RaceStart{
				Text:      data.Session.Text,
				StartedAt: *data.Session.StartedAt,
			}})
		}
	}

	if tour.ScheduledFor != nil && tour.ScheduledFor.After(time.Now()) &&
		(len(participants) > 0 || time.Until(*tour.ScheduledFor) < time.Minute) {
		c.signal(phase.SigCountdown)
	}
	return nil
}

// TypeCharacter feeds one local keystroke into the predictor. Outside the
// active phase the keystroke is discarded silently; it must never corrupt
// race state.
func (c *Client) TypeCharacter(ch rune) {
	if c.closed.Load() || !c.Phase().AcceptsInput() {
		return
	}
	c.post(charTyped{ch: ch})
}

// Leave stops input synchronously, notifies the server best-effort, and
// tears down the channel and store. Safe to call more than once; a view
// unmount must always call it.
func (c *Client) Leave() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	done := make(chan struct{})
	select {
	case c.inbox <- leaveReq{done: done}:
		<-done
	case <-c.done:
	}
}

func (c *Client) post(m msg) {
	select {
	case c.inbox <- m:
	case <-c.done:
	}
}

func (c *Client) wireHandlers() {
	decode := func(raw json.RawMessage, v any) bool {
		if err := json.Unmarshal(raw, v); err != nil {
			c.log.Warn("bad event payload", zap.Error(err))
			return false
		}
		return true
	}

	c.chn.On(protocol.EventRaceStart, func(raw json.RawMessage) {
		var p protocol.RaceStart
		if decode(raw, &p) {
			c.post(raceStarted{p: p})
		}
	})
	c.chn.On(protocol.EventRaceUpdate, func(raw json.RawMessage) {
		var p protocol.RaceUpdate
		if decode(raw, &p) {
			c.post(raceUpdated{p: p})
		}
	})
	c.chn.On(protocol.EventParticipantJoined, func(raw json.RawMessage) {
		var p session.Participant
		if decode(raw, &p) {
			c.post(participantJoined{p: p})
		}
	})
	c.chn.On(protocol.EventParticipantLeft, func(raw json.RawMessage) {
		var p protocol.ParticipantLeft
		if decode(raw, &p) {
			c.post(participantLeft{clientID: p.ClientID})
		}
	})
	c.chn.On(protocol.EventTypingUpdate, func(raw json.RawMessage) {
		var p protocol.TypingUpdate
		if decode(raw, &p) {
			c.post(typingConfirmed{p: p})
		}
	})
	c.chn.On(protocol.EventDisconnect, func(raw json.RawMessage) {
		var p protocol.Disconnect
		_ = json.Unmarshal(raw, &p)
		c.post(transportDropped{reason: p.Reason})
	})
	c.chn.On(protocol.EventReconnect, func(json.RawMessage) {
		c.post(transportRelinked{})
	})
}

func (c *Client) loop() {
	for {
		select {
		case <-c.done:
			return
		case m := <-c.inbox:
			switch m := m.(type) {
			case charTyped:
				c.handleChar(m.ch)
			case primed:
				c.scheduledFor = m.scheduledFor
			case raceStarted:
				c.handleRaceStart(m.p)
			case raceUpdated:
				c.handleRaceUpdate(m.p)
			case participantJoined:
				c.handleJoined(m.p)
			case participantLeft:
				c.store.Inbox() <- session.Remove{ClientID: m.clientID}
			case typingConfirmed:
				c.handleConfirm(m.p)
			case transportDropped:
				c.handleDrop(m.reason)
			case transportRelinked:
				c.handleRelink()
			case leaveReq:
				c.handleLeave()
				close(m.done)
				return
			}
		}
	}
}

func (c *Client) handleChar(ch rune) {
	if !c.Phase().AcceptsInput() || c.finished || c.spectator {
		return
	}

	next, outcome := engine.Apply(c.text, c.cursor, ch)
	if outcome == engine.OutcomeIgnored {
		return
	}
	if outcome.Counted() {
		c.keystrokes++
	}
	c.cursor = next

	rid := c.tracker.Predict(next)
	if err := c.chn.Emit(protocol.EventType, protocol.Type{
		Character: string(ch),
		RID:       rid,
	}); err != nil {
		// The prediction stands; the next confirmation reconciles any gap.
		c.log.Warn("keystroke not sent", zap.Uint64("rid", rid), zap.Error(err))
	}

	patch := c.selfPatch()
	if outcome == engine.OutcomeCompleted {
		now := time.Now()
		patch.EndedAt = &now
		c.finished = true
		c.signal(phase.SigSelfFinished)
	}
	c.store.Inbox() <- session.Upsert{Patch: patch}
}

func (c *Client) handleConfirm(p protocol.TypingUpdate) {
	if !p.Success {
		// The offending input was never applied server-side; the predictor
		// gates on phase so there is nothing to roll back locally.
		c.notify(Notification{Kind: KindProtocolError, Message: p.Message})
		return
	}
	if p.Data == nil {
		return
	}

	server := engine.Clamp(c.text, engine.Cursor{
		Current: p.Data.CurrentPosition,
		Correct: p.Data.CorrectPosition,
	})
	res := c.tracker.Confirm(p.Data.RID, server)
	if res.Outcome != reconcile.Diverged {
		return
	}

	// Server truth replaces every speculative state.
	c.log.Debug("prediction diverged",
		zap.Uint64("rid", p.Data.RID),
		zap.Int("serverCurrent", server.Current),
		zap.Int("serverCorrect", server.Correct))
	c.cursor = res.Cursor
	c.store.Inbox() <- session.Upsert{Patch: c.selfPatch()}

	if c.cursor.Finished(c.text) && !c.finished {
		now := time.Now()
		c.finished = true
		c.store.Inbox() <- session.Upsert{Patch: session.Patch{ClientID: c.id.ClientID, EndedAt: &now}}
		c.signal(phase.SigSelfFinished)
	}
}

func (c *Client) handleRaceStart(p protocol.RaceStart) {
	c.text = []rune(p.Text)
	c.cursor = engine.Cursor{}
	c.keystrokes = 0
	c.finished = false
	c.startedAt = p.StartedAt
	if c.startedAt.IsZero() {
		c.startedAt = time.Now()
	}
	c.tracker.Reset(engine.Cursor{})

	c.store.Inbox() <- session.StartRace{Text: p.Text, StartedAt: c.startedAt}
	if !c.spectator {
		started := c.startedAt
		c.store.Inbox() <- session.Upsert{Patch: session.Patch{
			ClientID:    c.id.ClientID,
			DisplayName: &c.id.DisplayName,
			StartedAt:   &started,
		}}
	}
	c.signal(phase.SigRaceStarted)
}

func (c *Client) handleRaceUpdate(p protocol.RaceUpdate) {
	for _, pt := range p.Participants {
		if pt.ClientID == c.id.ClientID {
			// Self cursor state is owned by rid reconciliation; applying the
			// broadcast would clobber in-flight predictions.
			continue
		}
		c.store.Inbox() <- session.Upsert{Patch: fullPatch(pt)}
	}

	if p.Session.EndedAt != nil {
		c.endRace(*p.Session.EndedAt)
		return
	}
	if snap := c.Snapshot(); snap.AllFinished() {
		c.endRace(time.Now())
	}
}

func (c *Client) handleJoined(p session.Participant) {
	c.store.Inbox() <- session.Upsert{Patch: fullPatch(p)}
	if c.Phase() == phase.Lobby && c.scheduledFor != nil && c.scheduledFor.After(time.Now()) {
		c.signal(phase.SigCountdown)
	}
}

func (c *Client) handleDrop(reason string) {
	c.signal(phase.SigDropped)
	c.notify(Notification{Kind: KindDisconnected, Message: reason})
}

// handleRelink resynchronizes after an automatic reconnect: ordering
// across the gap is void, so speculative state is reset against a fresh
// snapshot instead of reconciled.
func (c *Client) handleRelink() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	participants, err := c.api.Participants(ctx, c.raceID)
	if err != nil {
		c.log.Warn("resync after reconnect failed", zap.Error(err))
		c.handleDrop("resync failed: " + err.Error())
		return
	}
	c.store.Inbox() <- session.ReplaceAll{Participants: participants}

	for _, pt := range participants {
		if pt.ClientID == c.id.ClientID {
			c.cursor = engine.Clamp(c.text, engine.Cursor{
				Current: pt.CurrentPosition,
				Correct: pt.CorrectPosition,
			})
			c.keystrokes = pt.TotalKeystrokes
			break
		}
	}
	c.tracker.Reset(c.cursor)
	c.log.Info("resynchronized after reconnect")
}

func (c *Client) handleLeave() {
	if err := c.chn.Emit(protocol.EventLeave, nil); err != nil && !errors.Is(err, channel.ErrNotConnected) {
		c.log.Debug("leave notification not sent", zap.Error(err))
	}
	c.chn.Disconnect()
	c.recordResult()
	c.store.Inbox() <- session.Shutdown{}
	close(c.done)
	close(c.events)
}

func (c *Client) endRace(at time.Time) {
	c.store.Inbox() <- session.EndRace{EndedAt: at}
	c.signal(phase.SigRaceOver)
	c.recordResult()
}

// recordResult writes the local result to the history store, once.
func (c *Client) recordResult() {
	if c.hist == nil || c.recorded || !c.finished || c.spectator {
		return
	}
	snap := c.Snapshot()
	self, ok := snap.Self(c.id.ClientID)
	if !ok || self.EndedAt == nil {
		return
	}
	rank := 0
	for i, p := range snap.Ranked() {
		if p.ClientID == c.id.ClientID {
			rank = i + 1
			break
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := c.hist.Record(ctx, history.Result{
		RaceID:     c.raceID,
		WPM:        self.CurrentSpeed,
		Accuracy:   self.CurrentAccuracy,
		Rank:       rank,
		FinishedAt: *self.EndedAt,
	}); err != nil {
		c.log.Warn("result not recorded", zap.Error(err))
		return
	}
	c.recorded = true
}

func (c *Client) selfPatch() session.Patch {
	m := metrics.Compute(c.cursor.Correct, c.keystrokes, time.Since(c.startedAt))
	cur, cor, ks := c.cursor.Current, c.cursor.Correct, c.keystrokes
	wpm, acc := m.WPM, m.Accuracy
	return session.Patch{
		ClientID:        c.id.ClientID,
		CurrentPosition: &cur,
		CorrectPosition: &cor,
		TotalKeystrokes: &ks,
		CurrentSpeed:    &wpm,
		CurrentAccuracy: &acc,
	}
}

func (c *Client) signal(sig phase.Signal) {
	old := c.Phase()
	next := phase.Next(old, sig)
	if next == old {
		return
	}
	c.phaseVal.Store(next)
	c.log.Info("phase changed",
		zap.String("from", string(old)),
		zap.String("to", string(next)),
		zap.String("signal", string(sig)))
	c.notify(Notification{Kind: KindPhaseChanged, Phase: next})
}

func (c *Client) notify(n Notification) {
	select {
	case c.events <- n:
	default:
		// UI notifications are advisory; never stall the loop for them.
	}
}

// fullPatch converts a wire participant into a patch touching every field.
func fullPatch(p session.Participant) session.Patch {
	cur, cor, ks := p.CurrentPosition, p.CorrectPosition, p.TotalKeystrokes
	wpm, acc := p.CurrentSpeed, p.CurrentAccuracy
	patch := session.Patch{
		ClientID:        p.ClientID,
		CurrentPosition: &cur,
		CorrectPosition: &cor,
		TotalKeystrokes: &ks,
		CurrentSpeed:    &wpm,
		CurrentAccuracy: &acc,
		StartedAt:       p.StartedAt,
		EndedAt:         p.EndedAt,
	}
	if p.DisplayName != "" {
		name := p.DisplayName
		patch.DisplayName = &name
	}
	return patch
}
