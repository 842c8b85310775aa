package bridge

import (
	"strings"
	"time"
)

const (
	// IdleHangup is the silence required after a completed farewell.
	IdleHangup = 3 * time.Second
	// ForcedHangup ends a call whose farewell never completes.
	ForcedHangup = 8 * time.Second
)

type FarewellState int

const (
	FarewellNone FarewellState = iota
	FarewellPending
	FarewellComplete
)

func (s FarewellState) String() string {
	switch s {
	case FarewellPending:
		return "pending"
	case FarewellComplete:
		return "complete"
	}
	return "none"
}

var (
	userFarewells      = []string{"goodbye", "bye", "see you", "thanks", "cut the call", "hang up", "end call"}
	assistantFarewells = []string{"goodbye", "bye", "take care", "have a great day", "enjoy your day"}
)

// UserFarewell reports whether a caller transcript says goodbye.
func UserFarewell(text string) bool { return mentions(text, userFarewells) }

// AssistantFarewell reports whether an agent reply says goodbye.
func AssistantFarewell(text string) bool { return mentions(text, assistantFarewells) }

// mentions matches phrases on word boundaries so "bye" does not match "byte".
func mentions(text string, phrases []string) bool {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '\'')
	})
	joined := " " + strings.Join(words, " ") + " "
	for _, p := range phrases {
		if strings.Contains(joined, " "+p+" ") {
			return true
		}
	}
	return false
}

// Farewell tracks the end of a conversation. State only moves forward:
// None, then Pending, then Complete.
type Farewell struct {
	state       FarewellState
	pendingAt   time.Time
	completedAt time.Time
	activityAt  time.Time
}

func (f *Farewell) State() FarewellState { return f.state }

// MarkPending records a farewell. Later calls keep the first timestamp.
func (f *Farewell) MarkPending(now time.Time) {
	if f.state == FarewellNone {
		f.state = FarewellPending
		f.pendingAt = now
	}
}

// MarkComplete records that the farewell finished playing. It has no effect
// unless a farewell is pending.
func (f *Farewell) MarkComplete(now time.Time) {
	if f.state == FarewellPending {
		f.state = FarewellComplete
		f.completedAt = now
	}
}

// Activity records caller activity, which postpones the idle hangup.
func (f *Farewell) Activity(now time.Time) {
	if now.After(f.activityAt) {
		f.activityAt = now
	}
}

// ShouldHangup reports whether the call should end at now.
func (f *Farewell) ShouldHangup(now time.Time) bool {
	switch f.state {
	case FarewellPending:
		return now.Sub(f.pendingAt) >= ForcedHangup
	case FarewellComplete:
		last := f.completedAt
		if f.activityAt.After(last) {
			last = f.activityAt
		}
		return now.Sub(last) >= IdleHangup
	}
	return false
}
