// Package engine implements the local cursor predictor: the pure rules for
// advancing a participant's cursor through the race text, one keystroke at a
// time. The same rules run on the server, so Apply must stay byte-for-byte
// compatible with the authoritative implementation or reconciliation will
// flag every keystroke as divergent.
package engine

// Backspace is the sentinel rune carried by a delete keystroke.
const Backspace rune = '\b'

// Cursor is a participant's position in the race text. Current counts every
// typed character, including wrong ones not yet corrected; Correct counts
// only the verified prefix. Invariant: 0 <= Correct <= Current <= len(text).
type Cursor struct {
	Current int `json:"currentPosition"`
	Correct int `json:"correctPosition"`
}

// Outcome classifies what a keystroke did to the cursor.
type Outcome string

const (
	// OutcomeAdvanced means a correct character moved both positions forward.
	OutcomeAdvanced Outcome = "advanced"
	// OutcomeMistake means a wrong character was recorded at Current.
	OutcomeMistake Outcome = "mistake"
	// OutcomeDeleted means a backspace removed one character.
	OutcomeDeleted Outcome = "deleted"
	// OutcomeIgnored means the keystroke had no effect.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeCompleted means the keystroke was the final correct character.
	OutcomeCompleted Outcome = "completed"
)

// Counted reports whether the outcome consumes a keystroke for the
// totalKeystrokes counter. Only printable input that mutated the cursor
// counts; backspaces and ignored input are excluded, even though the
// counter is loosely described elsewhere as covering corrections. The
// server derives accuracy from confirmed input under the same rule, and
// the two counters must match exactly.
func (o Outcome) Counted() bool {
	return o == OutcomeAdvanced || o == OutcomeMistake || o == OutcomeCompleted
}

// Apply advances c by one keystroke against text and reports what happened.
// It never fails: malformed positions are clamped back into range first so a
// bad event cannot poison the rest of the race.
func Apply(text []rune, c Cursor, ch rune) (Cursor, Outcome) {
	c = Clamp(text, c)

	if ch == Backspace {
		switch {
		case c.Current > c.Correct:
			// Inside an incorrect run: erase one wrong character.
			c.Current--
			return c, OutcomeDeleted
		case c.Current == c.Correct && c.Current > 0 && text[c.Current-1] != ' ':
			// Undo a confirmed-correct character, but never back across a
			// word boundary: a passed space is locked for good.
			c.Current--
			c.Correct--
			return c, OutcomeDeleted
		default:
			return c, OutcomeIgnored
		}
	}

	// Finished participants and cursors at the end of the text reject
	// further printable input.
	if c.Correct >= len(text) || c.Current >= len(text) {
		return c, OutcomeIgnored
	}

	if c.Correct == c.Current && ch == text[c.Current] {
		c.Current++
		c.Correct++
		if c.Correct == len(text) {
			return c, OutcomeCompleted
		}
		return c, OutcomeAdvanced
	}

	// Once behind, input is positional: any character lands at Current
	// without content validation until corrected via backspace. Typing must
	// be sequential, so this is the intended race behavior.
	c.Current++
	return c, OutcomeMistake
}

// Clamp forces c back into the legal range for text. Used defensively on
// every input path, including server-supplied cursors.
func Clamp(text []rune, c Cursor) Cursor {
	n := len(text)
	if c.Current < 0 {
		c.Current = 0
	}
	if c.Current > n {
		c.Current = n
	}
	if c.Correct < 0 {
		c.Correct = 0
	}
	if c.Correct > c.Current {
		c.Correct = c.Current
	}
	return c
}

// Finished reports whether the cursor has verified the whole text.
func (c Cursor) Finished(text []rune) bool {
	return len(text) > 0 && c.Correct >= len(text)
}
