// ABOUTME: Tests for the stream relay turn lifecycle
// ABOUTME: Covers forwarding order, persistence on done, failure handling, and idempotence

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billsbio/bio-gateway/internal/agent"
	"github.com/billsbio/bio-gateway/internal/dedupe"
	"github.com/billsbio/bio-gateway/internal/store"
)

// fakeStreamer replays a canned event sequence and records the request it saw.
type fakeStreamer struct {
	events     []*agent.Event
	err        error
	gotHistory []agent.Message
	gotContent string
}

func (f *fakeStreamer) StreamChat(ctx context.Context, history []agent.Message, content string) (<-chan *agent.Event, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.gotHistory = history
	f.gotContent = content

	ch := make(chan *agent.Event, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

// captureSink records forwarded events in order.
type captureSink struct {
	events []*agent.Event
}

func (s *captureSink) Send(ev *agent.Event) error {
	s.events = append(s.events, ev)
	return nil
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestRelay(t *testing.T, st ConversationStore, streamer Streamer) *Relay {
	t.Helper()
	cache := dedupe.New(time.Minute, 100)
	t.Cleanup(cache.Close)
	return New(st, streamer, cache, nil)
}

func statusEvent() *agent.Event {
	return &agent.Event{Type: agent.EventStatus, Data: json.RawMessage(`{"phase":"thinking"}`)}
}

func TestRun_CleanTurnPersistsUserThenAssistant(t *testing.T) {
	st := newTestStore(t)
	conv, err := st.CreateConversation(context.Background(), "test")
	require.NoError(t, err)

	streamer := &fakeStreamer{events: []*agent.Event{
		statusEvent(),
		deltaEvent("Hi", "src1"),
		deltaEvent(" there"),
		doneEvent(),
	}}
	r := newTestRelay(t, st, streamer)

	sink := &captureSink{}
	require.NoError(t, r.Run(context.Background(), conv.ID, "hello", sink))

	// All four events forwarded in order, done last.
	require.Len(t, sink.events, 4)
	assert.Equal(t, agent.EventStatus, sink.events[0].Type)
	assert.Equal(t, agent.EventDone, sink.events[3].Type)

	msgs, err := st.GetMessages(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, store.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hi there", msgs[1].Content)
	assert.Equal(t, []string{"src1"}, msgs[1].Sources)
}

func TestRun_ForwardsPayloadsUntouched(t *testing.T) {
	st := newTestStore(t)
	conv, err := st.CreateConversation(context.Background(), "test")
	require.NoError(t, err)

	raw := json.RawMessage(`{"delta":"Hi","extra":"kept"}`)
	streamer := &fakeStreamer{events: []*agent.Event{
		{Type: agent.EventDelta, Delta: "Hi", Data: raw},
		doneEvent(),
	}}
	r := newTestRelay(t, st, streamer)

	sink := &captureSink{}
	require.NoError(t, r.Run(context.Background(), conv.ID, "hello", sink))
	assert.Equal(t, string(raw), string(sink.events[0].Data))
}

func TestRun_SendsHistoryToAgent(t *testing.T) {
	st := newTestStore(t)
	conv, err := st.CreateConversation(context.Background(), "test")
	require.NoError(t, err)
	_, err = st.AppendMessage(context.Background(), conv.ID, store.RoleUser, "earlier question", nil)
	require.NoError(t, err)
	_, err = st.AppendMessage(context.Background(), conv.ID, store.RoleAssistant, "earlier answer", nil)
	require.NoError(t, err)

	streamer := &fakeStreamer{events: []*agent.Event{doneEvent()}}
	r := newTestRelay(t, st, streamer)

	require.NoError(t, r.Run(context.Background(), conv.ID, "followup", &captureSink{}))

	require.Len(t, streamer.gotHistory, 2)
	assert.Equal(t, "earlier question", streamer.gotHistory[0].Content)
	assert.Equal(t, "earlier answer", streamer.gotHistory[1].Content)
	assert.Equal(t, "followup", streamer.gotContent)
}

func TestRun_ConversationNotFound(t *testing.T) {
	st := newTestStore(t)
	r := newTestRelay(t, st, &fakeStreamer{})

	err := r.Run(context.Background(), "missing", "hello", &captureSink{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRun_UpstreamUnreachable(t *testing.T) {
	st := newTestStore(t)
	conv, err := st.CreateConversation(context.Background(), "test")
	require.NoError(t, err)

	streamer := &fakeStreamer{err: fmt.Errorf("%w: connection refused", agent.ErrUnreachable)}
	r := newTestRelay(t, st, streamer)

	sink := &captureSink{}
	err = r.Run(context.Background(), conv.ID, "hello", sink)
	assert.ErrorIs(t, err, ErrUpstreamUnreachable)
	assert.Empty(t, sink.events, "no events forwarded when the connection fails")
}

func TestRun_ErrorEventPersistsNothing(t *testing.T) {
	st := newTestStore(t)
	conv, err := st.CreateConversation(context.Background(), "test")
	require.NoError(t, err)

	streamer := &fakeStreamer{events: []*agent.Event{
		deltaEvent("partial"),
		agent.ErrorEvent("agent failed"),
	}}
	r := newTestRelay(t, st, streamer)

	sink := &captureSink{}
	require.NoError(t, r.Run(context.Background(), conv.ID, "hello", sink))

	require.Len(t, sink.events, 2)
	assert.Equal(t, agent.EventError, sink.events[1].Type)

	msgs, err := st.GetMessages(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs, "a failed turn must persist nothing")
}

func TestRun_AbnormalCloseForwardsSynthesizedError(t *testing.T) {
	st := newTestStore(t)
	conv, err := st.CreateConversation(context.Background(), "test")
	require.NoError(t, err)

	// The agent client synthesizes this terminal event on abnormal close.
	streamer := &fakeStreamer{events: []*agent.Event{
		deltaEvent("partial"),
		agent.ErrorEvent("agent stream closed before done"),
	}}
	r := newTestRelay(t, st, streamer)

	sink := &captureSink{}
	require.NoError(t, r.Run(context.Background(), conv.ID, "hello", sink))

	msgs, err := st.GetMessages(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRun_RetriedTurnStreamsWithoutPersisting(t *testing.T) {
	st := newTestStore(t)
	conv, err := st.CreateConversation(context.Background(), "test")
	require.NoError(t, err)

	streamer := &fakeStreamer{events: []*agent.Event{deltaEvent("Hi"), doneEvent()}}
	r := newTestRelay(t, st, streamer)

	// First attempt completes and appends the turn. The client loses the done
	// frame and resubmits the identical request, now seeing its own two
	// appends in the history.
	require.NoError(t, r.Run(context.Background(), conv.ID, "hello", &captureSink{}))

	sink := &captureSink{}
	require.NoError(t, r.Run(context.Background(), conv.ID, "hello", sink))

	require.Len(t, sink.events, 2)
	assert.Equal(t, agent.EventDone, sink.events[1].Type, "the retry still gets a full stream")

	msgs, err := st.GetMessages(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2, "a retried turn must not append again")
	assert.Equal(t, store.RoleUser, msgs[0].Role)
	assert.Equal(t, store.RoleAssistant, msgs[1].Role)
}

func TestRun_SameContentLaterInConversationPersists(t *testing.T) {
	st := newTestStore(t)
	conv, err := st.CreateConversation(context.Background(), "test")
	require.NoError(t, err)

	streamer := &fakeStreamer{events: []*agent.Event{deltaEvent("Hi"), doneEvent()}}
	r := newTestRelay(t, st, streamer)

	// "yes" / other turn / "yes" again: the second "yes" is a new turn, not a
	// retry, because the history tail is the other turn.
	require.NoError(t, r.Run(context.Background(), conv.ID, "yes", &captureSink{}))
	require.NoError(t, r.Run(context.Background(), conv.ID, "tell me more", &captureSink{}))
	require.NoError(t, r.Run(context.Background(), conv.ID, "yes", &captureSink{}))

	msgs, err := st.GetMessages(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 6)
}

// racingDeduper simulates an identical concurrent turn winning the persist
// race: unseen at stream start, already marked by persist time.
type racingDeduper struct{}

func (racingDeduper) Check(string) bool        { return false }
func (racingDeduper) CheckAndMark(string) bool { return true }
func (racingDeduper) Forget(string)            {}

func TestRun_ConcurrentlyPersistedTurnSkipsAppend(t *testing.T) {
	st := newTestStore(t)
	conv, err := st.CreateConversation(context.Background(), "test")
	require.NoError(t, err)

	streamer := &fakeStreamer{events: []*agent.Event{deltaEvent("Hi"), doneEvent()}}
	r := New(st, streamer, racingDeduper{}, nil)

	sink := &captureSink{}
	require.NoError(t, r.Run(context.Background(), conv.ID, "hello", sink))

	assert.Equal(t, agent.EventDone, sink.events[len(sink.events)-1].Type)

	msgs, err := st.GetMessages(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs, "the losing turn must not append a second copy")
}

func TestTurnKey_Derivation(t *testing.T) {
	base := turnKey("c1", "hello", 0)
	assert.Equal(t, base, turnKey("c1", "hello", 0), "same identity, same key")
	assert.NotEqual(t, base, turnKey("c2", "hello", 0))
	assert.NotEqual(t, base, turnKey("c1", "other", 0))
	assert.NotEqual(t, base, turnKey("c1", "hello", 1))
}

// brokenStore fails assistant appends to exercise the partial-persist path.
type brokenStore struct {
	*store.SQLiteStore
}

func (b *brokenStore) AppendMessage(ctx context.Context, conversationID, role, content string, sources []string) (*store.Message, error) {
	if role == store.RoleAssistant {
		return nil, fmt.Errorf("disk full")
	}
	return b.SQLiteStore.AppendMessage(ctx, conversationID, role, content, sources)
}

func TestRun_AssistantSaveFailureReportsErrorNotDone(t *testing.T) {
	st := newTestStore(t)
	conv, err := st.CreateConversation(context.Background(), "test")
	require.NoError(t, err)

	cache := dedupe.New(time.Minute, 100)
	t.Cleanup(cache.Close)

	streamer := &fakeStreamer{events: []*agent.Event{deltaEvent("Hi"), doneEvent()}}
	r := New(&brokenStore{st}, streamer, cache, nil)

	sink := &captureSink{}
	require.NoError(t, r.Run(context.Background(), conv.ID, "hello", sink))

	// The caller sees a terminal error in place of done, with a stable
	// message that does not expose the store failure.
	last := sink.events[len(sink.events)-1]
	assert.Equal(t, agent.EventError, last.Type)
	assert.Equal(t, "assistant save failed; retry the turn", last.Message)
	assert.NotContains(t, last.Message, "disk full")

	// The user message survives; the turn key stays unmarked so a retry can
	// complete the turn.
	msgs, err := st.GetMessages(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
	assert.False(t, cache.Check(turnKey(conv.ID, "hello", 0)))
}
