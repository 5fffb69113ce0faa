// ABOUTME: Bridges one upstream agent stream to a downstream sink for a single chat turn
// ABOUTME: Forwards events in arrival order, folds them with the reducer, and persists on clean done

package relay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/billsbio/bio-gateway/internal/agent"
	"github.com/billsbio/bio-gateway/internal/store"
)

// ErrUpstreamUnreachable is returned when the agent connection cannot be
// established. No events have been forwarded when this is returned.
var ErrUpstreamUnreachable = errors.New("upstream agent unreachable")

// Streamer opens one streaming chat call per turn. Satisfied by agent.Client.
type Streamer interface {
	StreamChat(ctx context.Context, history []agent.Message, content string) (<-chan *agent.Event, error)
}

// Sink receives forwarded events in order. Send blocks until the event is
// written downstream; a Send error means the caller is gone.
type Sink interface {
	Send(ev *agent.Event) error
}

// Deduper tracks turn keys so a retried turn does not double-append.
// Satisfied by dedupe.Cache.
type Deduper interface {
	Check(key string) bool
	CheckAndMark(key string) bool
	Forget(key string)
}

// ConversationStore is the slice of the store the relay needs.
type ConversationStore interface {
	GetMessages(ctx context.Context, conversationID string) ([]*store.Message, error)
	AppendMessage(ctx context.Context, conversationID, role, content string, sources []string) (*store.Message, error)
}

// Relay runs chat turns: one upstream connection each, live forwarding, and
// ordered user-then-assistant persistence on clean completion.
type Relay struct {
	store    ConversationStore
	streamer Streamer
	dedupe   Deduper
	logger   *slog.Logger
}

// New creates a relay. Pass nil logger for default.
func New(st ConversationStore, streamer Streamer, dedupe Deduper, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		store:    st,
		streamer: streamer,
		dedupe:   dedupe,
		logger:   logger.With("component", "relay"),
	}
}

// turnKey derives the idempotence key for one logical turn: same conversation,
// same user content, same number of prior messages means the same turn.
func turnKey(conversationID, content string, priorMessages int) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d", conversationID, content, priorMessages)
	return hex.EncodeToString(h.Sum(nil))
}

// Run executes one chat turn against an existing conversation.
//
// Failures before any event is forwarded are returned as errors:
// store.ErrNotFound when the conversation does not exist, and
// ErrUpstreamUnreachable when the agent connection fails. Once streaming has
// begun, failures are reported to the sink as a terminal error event and Run
// returns nil; events already sent are never retracted.
//
// On a clean done event the relay persists the user message and then the
// reduced assistant message before forwarding done, so the caller only sees
// done for turns that are durably recorded. A turn whose key has already been
// marked streams normally but persists nothing.
func (r *Relay) Run(ctx context.Context, conversationID, content string, sink Sink) error {
	history, err := r.store.GetMessages(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("loading conversation history: %w", err)
	}

	agentHistory := make([]agent.Message, 0, len(history))
	for _, m := range history {
		agentHistory = append(agentHistory, agent.Message{Role: m.Role, Content: m.Content})
	}

	key := turnKey(conversationID, content, len(history))
	duplicate := r.dedupe.Check(key)
	if !duplicate && len(history) >= 2 {
		// A retry of a completed turn arrives with the turn's own two appends
		// already in the history, so its count-derived key differs from the
		// one the first attempt marked. If the history tail is this turn's
		// user message followed by an assistant reply, check the key the
		// first attempt would have used.
		prevUser, prevAssistant := history[len(history)-2], history[len(history)-1]
		if prevUser.Role == store.RoleUser && prevUser.Content == content &&
			prevAssistant.Role == store.RoleAssistant {
			duplicate = r.dedupe.Check(turnKey(conversationID, content, len(history)-2))
		}
	}
	if duplicate {
		r.logger.Info("duplicate turn, streaming without persistence",
			"conversation_id", conversationID)
	}

	events, err := r.streamer.StreamChat(ctx, agentHistory, content)
	if err != nil {
		if errors.Is(err, agent.ErrUnreachable) {
			return fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
		}
		return fmt.Errorf("starting agent stream: %w", err)
	}

	turn := NewTurn()
	for ev := range events {
		turn.Apply(ev)

		if ev.Type == agent.EventDone && !duplicate {
			if r.dedupe.CheckAndMark(key) {
				// A concurrent identical turn persisted while this one was
				// streaming; forward done without appending again.
				r.logger.Info("turn persisted concurrently, skipping append",
					"conversation_id", conversationID)
			} else if persistErr := r.persistTurn(ctx, conversationID, content, turn); persistErr != nil {
				// The caller must not see done for a turn that was not
				// recorded; report the failure in its place. Detail stays in
				// the log, the stream gets a stable message.
				r.dedupe.Forget(key)
				r.logger.Error("persisting turn failed",
					"conversation_id", conversationID, "error", persistErr)
				r.send(sink, agent.ErrorEvent(persistFailureMessage(persistErr)))
				return nil
			}
		}

		if err := r.send(sink, ev); err != nil {
			return nil
		}
		if ev.Terminal() {
			return nil
		}
	}

	// The agent client synthesizes a terminal event on abnormal close, so an
	// unterminated channel means the caller cancelled.
	return nil
}

// errAssistantSave marks persist failures where the user message is already
// recorded, so error reporting can tell the two cases apart.
var errAssistantSave = errors.New("saving assistant message")

// persistTurn appends the user message and then the reduced assistant message.
func (r *Relay) persistTurn(ctx context.Context, conversationID, content string, turn *Turn) error {
	if _, err := r.store.AppendMessage(ctx, conversationID, store.RoleUser, content, nil); err != nil {
		return fmt.Errorf("saving user message: %w", err)
	}
	if _, err := r.store.AppendMessage(ctx, conversationID, store.RoleAssistant, turn.Content(), turn.Sources()); err != nil {
		// The user message is already recorded; the caller should retry the
		// assistant turn, not resubmit.
		return fmt.Errorf("%w: %w", errAssistantSave, err)
	}
	return nil
}

// persistFailureMessage maps a persist error to the stable message streamed to
// the caller. Underlying store errors never reach the wire.
func persistFailureMessage(err error) string {
	if errors.Is(err, errAssistantSave) {
		return "assistant save failed; retry the turn"
	}
	return "message save failed; retry the turn"
}

func (r *Relay) send(sink Sink, ev *agent.Event) error {
	if err := sink.Send(ev); err != nil {
		r.logger.Debug("downstream sink closed", "error", err)
		return err
	}
	return nil
}
