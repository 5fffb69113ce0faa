// ABOUTME: Pure fold of an ordered event stream into one assistant message
// ABOUTME: Accumulates delta text and merges source citations; done may override sources

package relay

import (
	"strings"

	"github.com/billsbio/bio-gateway/internal/agent"
)

// Turn accumulates the in-flight reduction state for one chat exchange.
// It is owned by a single relay goroutine and performs no I/O; applying the
// same event sequence always yields the same final message.
type Turn struct {
	content  strings.Builder
	sources  []string
	seen     map[string]struct{}
	terminal bool
	failed   bool
}

// NewTurn returns an empty reduction state.
func NewTurn() *Turn {
	return &Turn{seen: make(map[string]struct{})}
}

// Apply folds one upstream event into the turn. Events after a terminal
// event are ignored.
func (t *Turn) Apply(ev *agent.Event) {
	if t.terminal {
		return
	}

	switch ev.Type {
	case agent.EventStatus:
		// Informational only.

	case agent.EventDelta:
		t.content.WriteString(ev.Delta)
		t.mergeSources(ev.Sources)

	case agent.EventSources:
		t.mergeSources(ev.Sources)

	case agent.EventDone:
		// A non-empty final source list on done replaces whatever the
		// deltas accumulated.
		if len(ev.Sources) > 0 {
			t.sources = append([]string(nil), ev.Sources...)
		}
		t.terminal = true

	case agent.EventError:
		t.terminal = true
		t.failed = true
	}
}

// mergeSources appends sources in first-seen order, dropping duplicates.
func (t *Turn) mergeSources(sources []string) {
	for _, s := range sources {
		if _, ok := t.seen[s]; ok {
			continue
		}
		t.seen[s] = struct{}{}
		t.sources = append(t.sources, s)
	}
}

// Content returns the concatenated delta text in arrival order.
func (t *Turn) Content() string {
	return t.content.String()
}

// Sources returns the final source list. Nil when no sources were seen.
func (t *Turn) Sources() []string {
	return t.sources
}

// Done reports whether the turn ended with a clean done event.
func (t *Turn) Done() bool {
	return t.terminal && !t.failed
}
