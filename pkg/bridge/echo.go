package bridge

import (
	"strings"
	"sync"
)

const maxPendingEchoes = 16

// echoes tracks assistant text injected into the integrated channel, whose
// ConversationText echo must not be recorded a second time.
type echoes struct {
	mu      sync.Mutex
	pending []string
}

func (e *echoes) expect(text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pending) == maxPendingEchoes {
		e.pending = e.pending[1:]
	}
	e.pending = append(e.pending, strings.TrimSpace(text))
}

// take reports whether text was expected, and clears the expectation.
func (e *echoes) take(text string) bool {
	text = strings.TrimSpace(text)
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, p := range e.pending {
		if p == text {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			return true
		}
	}
	return false
}
