package chat

import (
	"context"
)

// Store is the interface for chat persistence.
type Store interface {
	// Get returns the chat by id scoped to the user, or nil when no chat
	// with that id exists.
	Get(ctx context.Context, id, userID string) (*Chat, error)

	// List returns the user's chats, most recently updated first.
	List(ctx context.Context, userID string, limit, offset int) ([]Summary, error)

	// Delete removes a chat and its messages.
	Delete(ctx context.Context, id, userID string) error

	// SaveMessages appends the turn's messages to the chat, creating the
	// chat row on first write. Saving a message id that already exists
	// updates the stored record instead of duplicating it, so retries are
	// safe.
	SaveMessages(ctx context.Context, chatID, userID string, messages []*Message) error

	// GetMessages returns the chat's messages in sequence order.
	GetMessages(ctx context.Context, chatID string) ([]Message, error)

	Close() error
}
