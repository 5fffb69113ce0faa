// Package store provides durable persistence for conversations and their
// messages.
//
// # Data Model
//
// Two related record sets:
//
//   - conversations (id, title, created_at, updated_at)
//   - messages (id, conversation_id, role, content, sources, created_at)
//
// Messages reference conversations by ID and are append-only. Within a
// conversation, messages are totally ordered by created_at: AppendMessage
// assigns a timestamp strictly greater than the conversation's current
// updated_at, so ordering holds even when appends race.
//
// # Invariants
//
//   - A conversation's updated_at is monotonically non-decreasing and equals
//     the timestamp of its most recent message append.
//   - AppendMessage is the only operation that advances updated_at.
//   - AppendMessage is atomic: the message insert and the updated_at advance
//     commit together or not at all.
//
// # Usage
//
//	s, err := store.NewSQLiteStore("/path/to/bio.db")
//	defer s.Close()
//
//	conv, _ := s.CreateConversation(ctx, "New chat")
//	msg, _ := s.AppendMessage(ctx, conv.ID, store.RoleUser, "hello", nil)
//
// Callers receive a Store handle explicitly; there is no package-level
// database state.
package store
