package wa

import "time"

// EventKind identifies a lifecycle or content event emitted by a client
// binding.
type EventKind string

const (
	EventQR            EventKind = "qr"
	EventAuthenticated EventKind = "authenticated"
	EventReady         EventKind = "ready"
	EventDisconnected  EventKind = "disconnected"
	EventMessage       EventKind = "message"
	EventMessageSent   EventKind = "message:sent"
	EventError         EventKind = "error"
)

// Event is the typed envelope carried on a client's event channel. Only the
// fields matching Kind are set.
type Event struct {
	Kind    EventKind
	QR      string   // EventQR: raw pairing payload
	Phone   string   // EventReady: bound phone number
	Reason  string   // EventDisconnected
	Err     error    // EventError
	Message *Message // EventMessage / EventMessageSent
}

// Message is one inbound or outbound content message.
type Message struct {
	ID        string
	ChatID    string
	SenderID  string
	Body      string
	PushName  string
	IsGroup   bool
	IsFromMe  bool
	IsSystem  bool
	Timestamp time.Time
}

// Contact is the resolved identity of a message sender.
type Contact struct {
	ID          string
	Number      string
	DisplayName string
}

// Chat is a conversation snapshot used for display names and backlog
// recovery.
type Chat struct {
	ID          string
	Name        string
	IsGroup     bool
	UnreadCount int
}
