package wa

import "context"

// Client is the binding between one account and the underlying chat
// protocol engine. Implementations must be safe for concurrent use; all
// network operations honor the passed context.
//
// Connection progress is reported asynchronously on Events(): Connect and
// Reconnect return once the attempt is started, not once it succeeds.
type Client interface {
	Connect(ctx context.Context) error
	Reconnect(ctx context.Context) error
	// Destroy releases the binding. Idempotent; must not fail on a client
	// that never fully connected.
	Destroy()
	Events() <-chan Event

	SendText(ctx context.Context, chatID, text string) error
	SendMedia(ctx context.Context, chatID, path, caption string) error
	MarkSeen(ctx context.Context, chatID string) error
	SetTyping(ctx context.Context, chatID string, typing bool) error

	Contact(ctx context.Context, id string) (Contact, error)
	Chat(ctx context.Context, id string) (Chat, error)
	// Chats lists known conversations, used to find unread backlogs after a
	// session becomes ready.
	Chats(ctx context.Context) ([]Chat, error)
	// UnreadMessages returns the unread messages of a chat, oldest first.
	UnreadMessages(ctx context.Context, chatID string) ([]Message, error)
}
