// Package protocol defines the wire contract of the realtime race channel.
// Every socket message is an Envelope naming an event plus a typed payload.
package protocol

import (
	"encoding/json"
	"time"
)

// Client -> Server events.
const (
	EventJoin  = "join"
	EventType  = "type"
	EventLeave = "leave"
)

// Server -> Client events.
const (
	EventJoinResponse      = "join:response"
	EventRaceStart         = "race:start"
	EventRaceUpdate        = "race:update"
	EventParticipantJoined = "participant:joined"
	EventParticipantLeft   = "participant:left"
	EventTypingUpdate      = "typing:update"
	EventLeaveResponse     = "leave:response"
)

// Synthetic transport events surfaced by the channel adapter, not carried
// on the wire.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
	EventReconnect  = "reconnect"
)

// Participant is the per-client progress record within a race session.
type Participant struct {
	ClientID        string     `json:"clientId"`
	DisplayName     string     `json:"displayName,omitempty"`
	CurrentPosition int        `json:"currentPosition"`
	CorrectPosition int        `json:"correctPosition"`
	TotalKeystrokes int        `json:"totalKeystrokes"`
	CurrentSpeed    int        `json:"currentSpeed"`
	CurrentAccuracy int        `json:"currentAccuracy"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	EndedAt         *time.Time `json:"endedAt,omitempty"`
}

// Elapsed returns the participant's race duration, or 0 while unfinished.
func (p Participant) Elapsed() time.Duration {
	if p.StartedAt == nil || p.EndedAt == nil {
		return 0
	}
	return p.EndedAt.Sub(*p.StartedAt)
}

// Finished reports whether the participant completed the text.
func (p Participant) Finished() bool { return p.EndedAt != nil }

// Race is session-level metadata. Text is non-empty exactly when the race
// has started.
type Race struct {
	ID           string     `json:"id"`
	ScheduledFor *time.Time `json:"scheduledFor,omitempty"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
	Text         string     `json:"text,omitempty"`
}

// Envelope frames every message on the socket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an Envelope for event.
func NewEnvelope(event string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: event}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: event, Payload: raw}, nil
}

// Join asks the server to admit this client to a race.
type Join struct {
	RaceID      string `json:"raceId"`
	ClientID    string `json:"clientId"`
	DisplayName string `json:"displayName,omitempty"`
	Spectator   bool   `json:"spectator,omitempty"`
	Anonymous   bool   `json:"anonymous,omitempty"`
}

// Type carries one raw keystroke tagged with the local request id.
type Type struct {
	Character string `json:"character"`
	RID       uint64 `json:"rid"`
}

// JoinResponse acknowledges or rejects a Join.
type JoinResponse struct {
	Success bool      `json:"success"`
	Message string    `json:"message,omitempty"`
	Data    *JoinData `json:"data,omitempty"`
}

// JoinData is the initial session view delivered on a successful join.
type JoinData struct {
	Session      Race          `json:"session"`
	Participants []Participant `json:"participants"`
}

// RaceStart delivers the race text; receiving it is what moves the phase
// machine to active.
type RaceStart struct {
	Text         string     `json:"text"`
	ScheduledFor *time.Time `json:"scheduledFor,omitempty"`
	StartedAt    time.Time  `json:"startedAt"`
}

// RaceUpdate is the periodic authoritative broadcast of session state.
type RaceUpdate struct {
	Session      Race          `json:"session"`
	Participants []Participant `json:"participants"`
}

// ParticipantLeft announces a departure.
type ParticipantLeft struct {
	ClientID string `json:"clientId"`
}

// TypingUpdate confirms (or rejects) one typed character, echoing its rid
// together with the server's authoritative cursor.
type TypingUpdate struct {
	Success bool           `json:"success"`
	Message string         `json:"message,omitempty"`
	Data    *TypingConfirm `json:"data,omitempty"`
}

// TypingConfirm is the authoritative cursor for a confirmed keystroke.
type TypingConfirm struct {
	RID             uint64 `json:"rid"`
	CurrentPosition int    `json:"currentPosition"`
	CorrectPosition int    `json:"correctPosition"`
}

// LeaveResponse acknowledges a Leave.
type LeaveResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Disconnect is the payload of the synthetic disconnect event.
type Disconnect struct {
	Reason string `json:"reason"`
}
