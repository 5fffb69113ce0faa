// ABOUTME: Tests for the SQLite store implementation
// ABOUTME: Verifies conversation CRUD, append atomicity, ordering, and updated_at invariants

package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateConversation(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, "New chat")
	require.NoError(t, err)
	require.NotEmpty(t, conv.ID)
	assert.Equal(t, "New chat", conv.Title)
	assert.Equal(t, conv.CreatedAt, conv.UpdatedAt)

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)
	assert.Equal(t, "New chat", got.Title)
}

func TestGetConversation_NotFound(t *testing.T) {
	s := createTestStore(t)

	_, err := s.GetConversation(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppendMessage(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, "chat")
	require.NoError(t, err)

	msg, err := s.AppendMessage(ctx, conv.ID, RoleUser, "hello", nil)
	require.NoError(t, err)
	require.NotEmpty(t, msg.ID)
	assert.Equal(t, RoleUser, msg.Role)
	assert.Equal(t, "hello", msg.Content)

	// updated_at advances to the append timestamp
	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.CreatedAt, got.UpdatedAt)
	assert.True(t, got.UpdatedAt.After(conv.UpdatedAt))
}

func TestAppendMessage_ConversationNotFound(t *testing.T) {
	s := createTestStore(t)

	_, err := s.AppendMessage(context.Background(), "nonexistent", RoleUser, "hello", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppendMessage_InvalidRole(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, "chat")
	require.NoError(t, err)

	_, err = s.AppendMessage(ctx, conv.ID, "system", "hello", nil)
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestAppendMessage_Sources(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, "chat")
	require.NoError(t, err)

	_, err = s.AppendMessage(ctx, conv.ID, RoleAssistant, "Hi there", []string{"src1", "src2"})
	require.NoError(t, err)

	msgs, err := s.GetMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"src1", "src2"}, msgs[0].Sources)
}

func TestGetMessages_OrderedByCreation(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, "chat")
	require.NoError(t, err)

	contents := []string{"first", "second", "third", "fourth"}
	for _, c := range contents {
		_, err := s.AppendMessage(ctx, conv.ID, RoleUser, c, nil)
		require.NoError(t, err)
	}

	msgs, err := s.GetMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, len(contents))

	for i, msg := range msgs {
		assert.Equal(t, contents[i], msg.Content)
		if i > 0 {
			assert.True(t, msg.CreatedAt.After(msgs[i-1].CreatedAt),
				"messages must be strictly ordered by creation time")
		}
	}
}

func TestGetMessages_ConversationNotFound(t *testing.T) {
	s := createTestStore(t)

	_, err := s.GetMessages(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetMessages_EmptyConversation(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, "chat")
	require.NoError(t, err)

	msgs, err := s.GetMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestAppendMessage_Concurrent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, "chat")
	require.NoError(t, err)

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.AppendMessage(ctx, conv.ID, RoleUser, "msg", nil)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "append %d failed", i)
	}

	msgs, err := s.GetMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, n)

	// All identifiers distinct, creation times strictly increasing
	seen := make(map[string]bool, n)
	for i, msg := range msgs {
		assert.False(t, seen[msg.ID], "duplicate message ID %s", msg.ID)
		seen[msg.ID] = true
		if i > 0 {
			assert.True(t, msg.CreatedAt.After(msgs[i-1].CreatedAt))
		}
	}

	// updated_at equals the latest append timestamp
	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, msgs[n-1].CreatedAt, got.UpdatedAt)
}

func TestUpdateConversationTitle(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, "old title")
	require.NoError(t, err)

	require.NoError(t, s.UpdateConversationTitle(ctx, conv.ID, "new title"))

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "new title", got.Title)
	// Title changes do not touch updated_at
	assert.Equal(t, conv.UpdatedAt, got.UpdatedAt)
}

func TestUpdateConversationTitle_NotFound(t *testing.T) {
	s := createTestStore(t)

	err := s.UpdateConversationTitle(context.Background(), "nonexistent", "title")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteConversation_CascadesMessages(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, "chat")
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, conv.ID, RoleUser, "hello", nil)
	require.NoError(t, err)

	require.NoError(t, s.DeleteConversation(ctx, conv.ID))

	_, err = s.GetConversation(ctx, conv.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	var count int
	err = s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conv.ID).Scan(&count)
	require.NoError(t, err)
	assert.Zero(t, count, "messages must be deleted with their conversation")
}

func TestDeleteConversation_NotFound(t *testing.T) {
	s := createTestStore(t)

	err := s.DeleteConversation(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListConversations_MostRecentFirst(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	first, err := s.CreateConversation(ctx, "first")
	require.NoError(t, err)
	second, err := s.CreateConversation(ctx, "second")
	require.NoError(t, err)

	// Appending to the older conversation bumps it to the top
	_, err = s.AppendMessage(ctx, first.ID, RoleUser, "hello", nil)
	require.NoError(t, err)

	convs, err := s.ListConversations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, first.ID, convs[0].ID)
	assert.Equal(t, second.ID, convs[1].ID)
}

func TestListConversations_Limit(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.CreateConversation(ctx, "chat")
		require.NoError(t, err)
	}

	convs, err := s.ListConversations(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, convs, 3)
}
