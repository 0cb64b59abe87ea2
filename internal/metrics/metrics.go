// Package metrics computes typing speed and accuracy figures.
package metrics

import (
	"math"
	"time"
)

// Metrics holds the derived per-participant figures shown next to a caret.
type Metrics struct {
	WPM      int `json:"wpm"`
	Accuracy int `json:"accuracy"`
}

// Compute derives words-per-minute and accuracy from the verified position
// and the raw keystroke counter. The division by five is the usual
// characters-per-word convention. Negative inputs are clamped to zero;
// accuracy with no keystrokes is 100 so an idle participant doesn't show 0%.
func Compute(correctPosition, totalKeystrokes int, elapsed time.Duration) Metrics {
	if correctPosition < 0 {
		correctPosition = 0
	}
	if totalKeystrokes < 0 {
		totalKeystrokes = 0
	}

	m := Metrics{Accuracy: 100}

	if elapsed > 0 {
		minutes := elapsed.Minutes()
		m.WPM = int(math.Round(float64(correctPosition) / 5.0 / minutes))
	}
	if totalKeystrokes > 0 {
		m.Accuracy = int(math.Round(float64(correctPosition) / float64(totalKeystrokes) * 100))
	}
	return m
}
