// ABOUTME: Store interface and data types for bio-gateway persistence
// ABOUTME: Defines Conversation, Message structs and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested conversation or message does not exist
var ErrNotFound = errors.New("not found")

// ErrInvalidRole is returned when a message role is neither "user" nor "assistant"
var ErrInvalidRole = errors.New("invalid message role")

// Role constants for message authorship
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ValidRole reports whether role is one of the accepted message roles.
func ValidRole(role string) bool {
	return role == RoleUser || role == RoleAssistant
}

// Conversation represents a chat conversation with a site visitor.
// UpdatedAt only advances when a message is appended and is always
// the timestamp of the most recent append.
type Conversation struct {
	ID        string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message represents a single message within a conversation.
// Messages are append-only and totally ordered by CreatedAt within
// their conversation.
type Message struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	Sources        []string
	CreatedAt      time.Time
}

// Store defines the interface for conversation and message persistence
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, title string) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, limit int) ([]*Conversation, error)
	UpdateConversationTitle(ctx context.Context, id, title string) error
	DeleteConversation(ctx context.Context, id string) error

	// Messages (append-only)
	AppendMessage(ctx context.Context, conversationID, role, content string, sources []string) (*Message, error)
	GetMessages(ctx context.Context, conversationID string) ([]*Message, error)

	// Close releases any resources held by the store
	Close() error
}
