// Package phase derives the coarse race phase from session, auth, and
// connection signals. The phase gates whether keystrokes are accepted and
// which screen a front end shows; it never stores race data itself.
package phase

// State is the coarse game phase.
type State string

const (
	Initializing   State = "initializing"
	Lobby          State = "lobby"
	Countdown      State = "countdown"
	Active         State = "active"
	UserCompleted  State = "user_completed"
	TournamentOver State = "tournament_over"

	ErrAuth          State = "error_auth"
	ErrSocketConnect State = "error_socket_connect"
	ErrSocketJoin    State = "error_socket_join"
	ErrDisconnected  State = "error_disconnected"
)

// Signal is an observed fact that may move the phase forward.
type Signal string

const (
	// SigAuthResolved fires when an identity was established.
	SigAuthResolved Signal = "auth_resolved"
	// SigAuthMissing fires when identity is required but absent.
	SigAuthMissing Signal = "auth_missing"
	// SigCountdown fires when a future start time and participants exist.
	SigCountdown Signal = "countdown"
	// SigRaceStarted fires when the server delivers the race text.
	SigRaceStarted Signal = "race_started"
	// SigSelfFinished fires when the local participant's endedAt is set.
	SigSelfFinished Signal = "self_finished"
	// SigRaceOver fires on the end-of-race event or when everyone finished.
	SigRaceOver Signal = "race_over"
	// SigConnectFailed fires when the transport dial fails.
	SigConnectFailed Signal = "connect_failed"
	// SigJoinFailed fires when the join handshake is rejected.
	SigJoinFailed Signal = "join_failed"
	// SigDropped fires on an unexpected transport loss.
	SigDropped Signal = "dropped"
)

// Terminal reports whether the state can only be left by external action
// (navigate away, retry).
func (s State) Terminal() bool {
	switch s {
	case TournamentOver, ErrAuth, ErrSocketConnect, ErrSocketJoin, ErrDisconnected:
		return true
	}
	return false
}

// AcceptsInput reports whether typed characters may mutate cursor state.
func (s State) AcceptsInput() bool {
	return s == Active
}

// Next returns the state after observing sig. Signals that are illegal in
// the current state leave it unchanged; terminal states absorb everything.
func Next(s State, sig Signal) State {
	if s.Terminal() {
		return s
	}

	// Transport failures trump whatever else is going on.
	switch sig {
	case SigConnectFailed:
		return ErrSocketConnect
	case SigJoinFailed:
		return ErrSocketJoin
	case SigDropped:
		return ErrDisconnected
	}

	switch s {
	case Initializing:
		switch sig {
		case SigAuthResolved:
			return Lobby
		case SigAuthMissing:
			return ErrAuth
		}
	case Lobby:
		switch sig {
		case SigCountdown:
			return Countdown
		case SigRaceStarted:
			// Late joiners may never see a countdown.
			return Active
		}
	case Countdown:
		if sig == SigRaceStarted {
			return Active
		}
	case Active:
		switch sig {
		case SigSelfFinished:
			return UserCompleted
		case SigRaceOver:
			return TournamentOver
		}
	case UserCompleted:
		if sig == SigRaceOver {
			return TournamentOver
		}
	}
	return s
}
