package wa

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"autoreply/internal/model"
)

// eventBuffer bounds each binding's event channel. A stalled consumer drops
// events rather than wedging the whatsmeow handler goroutine.
const eventBuffer = 64

// Container owns the shared whatsmeow device store and creates per-account
// client bindings.
type Container struct {
	store *sqlstore.Container
	log   zerolog.Logger
	walog waLog.Logger
}

// NewContainer opens the whatsmeow sqlstore on the given SQLite DSN.
func NewContainer(ctx context.Context, dsn string, log zerolog.Logger) (*Container, error) {
	wl := waLog.Zerolog(log.With().Str("component", "whatsmeow").Logger())
	container, err := sqlstore.New(ctx, "sqlite3", dsn, wl)
	if err != nil {
		return nil, err
	}
	return &Container{store: container, log: log, walog: wl}, nil
}

// Bind constructs a client binding for one account. When the account has a
// known phone number an already-paired device is reused, otherwise a fresh
// device starts the QR pairing flow on Connect.
func (c *Container) Bind(ctx context.Context, account model.Account, cfg model.RuntimeConfig) (Client, error) {
	var device *store.Device
	if account.Phone != "" {
		devices, err := c.store.GetAllDevices(ctx)
		if err != nil {
			return nil, fmt.Errorf("list devices: %w", err)
		}
		for _, d := range devices {
			if d.ID != nil && d.ID.User == account.Phone {
				device = d
				break
			}
		}
	}
	if device == nil {
		device = c.store.NewDevice()
	}

	cli := whatsmeow.NewClient(device, c.walog)
	if cfg.ProxyHost != "" {
		if err := cli.SetProxyAddress(proxyURL(cfg)); err != nil {
			return nil, fmt.Errorf("set proxy: %w", err)
		}
	}

	b := &binding{
		cli:     cli,
		log:     c.log.With().Str("account", account.ID).Logger(),
		events:  make(chan Event, eventBuffer),
		lastMsg: make(map[string]receivedMessage),
	}
	cli.AddEventHandler(b.handleEvent)
	return b, nil
}

func proxyURL(cfg model.RuntimeConfig) string {
	u := url.URL{Scheme: "socks5", Host: fmt.Sprintf("%s:%d", cfg.ProxyHost, cfg.ProxyPort)}
	if cfg.ProxyUser != "" {
		u.User = url.UserPassword(cfg.ProxyUser, cfg.ProxyPass)
	}
	return u.String()
}

type receivedMessage struct {
	id     types.MessageID
	sender types.JID
}

type binding struct {
	cli    *whatsmeow.Client
	log    zerolog.Logger
	events chan Event

	destroyed atomic.Bool

	mu      sync.Mutex
	lastMsg map[string]receivedMessage // chat JID -> last inbound message, for read receipts
}

func (b *binding) Events() <-chan Event { return b.events }

func (b *binding) emit(ev Event) {
	if b.destroyed.Load() {
		return
	}
	select {
	case b.events <- ev:
	default:
		b.log.Warn().Str("kind", string(ev.Kind)).Msg("event buffer full, dropping")
	}
}

// Connect starts the connection attempt and, for unpaired devices, the QR
// pairing loop. Progress is reported via Events.
func (b *binding) Connect(ctx context.Context) error {
	if b.cli.Store.ID == nil {
		// GetQRChannel must be set up before Connect. Background context so
		// the pairing socket survives the caller's request scope.
		qrChan, err := b.cli.GetQRChannel(context.Background())
		if err != nil {
			return fmt.Errorf("qr channel: %w", err)
		}
		go func() {
			for item := range qrChan {
				switch item.Event {
				case "code":
					b.emit(Event{Kind: EventQR, QR: item.Code})
				case "timeout":
					b.emit(Event{Kind: EventDisconnected, Reason: "qr timeout"})
				}
			}
		}()
	}
	go func() {
		if err := b.cli.Connect(); err != nil {
			b.log.Error().Err(err).Msg("connect failed")
			b.emit(Event{Kind: EventError, Err: err})
			b.emit(Event{Kind: EventDisconnected, Reason: "connect failed"})
		}
	}()
	return nil
}

func (b *binding) Reconnect(ctx context.Context) error {
	b.cli.Disconnect()
	return b.Connect(ctx)
}

func (b *binding) Destroy() {
	if b.destroyed.Swap(true) {
		return
	}
	b.cli.Disconnect()
}

func (b *binding) handleEvent(evt interface{}) {
	switch e := evt.(type) {
	case *events.PairSuccess:
		b.emit(Event{Kind: EventAuthenticated})
	case *events.Connected:
		var phone string
		if b.cli.Store != nil && b.cli.Store.ID != nil {
			phone = b.cli.Store.ID.User
		}
		b.emit(Event{Kind: EventReady, Phone: phone})
	case *events.LoggedOut:
		b.emit(Event{Kind: EventDisconnected, Reason: "logged out"})
	case *events.StreamReplaced:
		b.emit(Event{Kind: EventDisconnected, Reason: "stream replaced"})
	case *events.Disconnected:
		b.emit(Event{Kind: EventDisconnected, Reason: "connection lost"})
	case *events.Message:
		msg := b.translateMessage(e)
		if !msg.IsFromMe {
			b.mu.Lock()
			b.lastMsg[msg.ChatID] = receivedMessage{id: e.Info.ID, sender: e.Info.Sender}
			b.mu.Unlock()
		}
		b.emit(Event{Kind: EventMessage, Message: &msg})
	}
}

func (b *binding) translateMessage(e *events.Message) Message {
	body := extractText(e.Message)
	return Message{
		ID:        string(e.Info.ID),
		ChatID:    e.Info.Chat.String(),
		SenderID:  e.Info.Sender.String(),
		Body:      body,
		PushName:  e.Info.PushName,
		IsGroup:   e.Info.IsGroup,
		IsFromMe:  e.Info.IsFromMe,
		IsSystem:  e.Info.Category == "peer" || e.Message.GetProtocolMessage() != nil,
		Timestamp: e.Info.Timestamp,
	}
}

// extractText pulls the text content out of the supported message types.
func extractText(msg *waProto.Message) string {
	if msg == nil {
		return ""
	}
	if msg.Conversation != nil {
		return *msg.Conversation
	}
	if msg.ExtendedTextMessage != nil && msg.ExtendedTextMessage.Text != nil {
		return *msg.ExtendedTextMessage.Text
	}
	if msg.ImageMessage != nil && msg.ImageMessage.Caption != nil {
		return *msg.ImageMessage.Caption
	}
	if msg.VideoMessage != nil && msg.VideoMessage.Caption != nil {
		return *msg.VideoMessage.Caption
	}
	if msg.DocumentMessage != nil && msg.DocumentMessage.Caption != nil {
		return *msg.DocumentMessage.Caption
	}
	return ""
}

func (b *binding) SendText(ctx context.Context, chatID, text string) error {
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return fmt.Errorf("parse JID: %w", err)
	}
	msg := &waProto.Message{Conversation: strptr(text)}
	if _, err := b.cli.SendMessage(ctx, jid, msg); err != nil {
		return fmt.Errorf("%w: %v", model.ErrSendFailure, err)
	}
	b.emit(Event{Kind: EventMessageSent, Message: &Message{ChatID: chatID, Body: text, IsFromMe: true, Timestamp: time.Now()}})
	return nil
}

func (b *binding) SendMedia(ctx context.Context, chatID, path, caption string) error {
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return fmt.Errorf("parse JID: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrMediaUnavailable, err)
	}

	var msg *waProto.Message
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".mp4":
		up, err := b.cli.Upload(ctx, data, whatsmeow.MediaVideo)
		if err != nil {
			return fmt.Errorf("upload video: %w", err)
		}
		length := uint64(len(data))
		msg = &waProto.Message{VideoMessage: &waProto.VideoMessage{
			Caption:       optstr(caption),
			Mimetype:      strptr("video/mp4"),
			URL:           optstr(up.URL),
			DirectPath:    optstr(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &length,
		}}
	case ".pdf":
		up, err := b.cli.Upload(ctx, data, whatsmeow.MediaDocument)
		if err != nil {
			return fmt.Errorf("upload document: %w", err)
		}
		length := uint64(len(data))
		name := filepath.Base(path)
		msg = &waProto.Message{DocumentMessage: &waProto.DocumentMessage{
			Caption:       optstr(caption),
			Mimetype:      strptr("application/pdf"),
			FileName:      &name,
			URL:           optstr(up.URL),
			DirectPath:    optstr(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &length,
		}}
	default:
		up, err := b.cli.Upload(ctx, data, whatsmeow.MediaImage)
		if err != nil {
			return fmt.Errorf("upload image: %w", err)
		}
		length := uint64(len(data))
		msg = &waProto.Message{ImageMessage: &waProto.ImageMessage{
			Caption:       optstr(caption),
			Mimetype:      strptr(mimeForExt(ext)),
			URL:           optstr(up.URL),
			DirectPath:    optstr(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &length,
		}}
	}

	if _, err := b.cli.SendMessage(ctx, jid, msg); err != nil {
		return fmt.Errorf("%w: %v", model.ErrSendFailure, err)
	}
	b.emit(Event{Kind: EventMessageSent, Message: &Message{ChatID: chatID, Body: "media:" + filepath.Base(path), IsFromMe: true, Timestamp: time.Now()}})
	return nil
}

func mimeForExt(ext string) string {
	switch ext {
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	default:
		return "image/jpeg"
	}
}

func (b *binding) MarkSeen(ctx context.Context, chatID string) error {
	b.mu.Lock()
	lm, ok := b.lastMsg[chatID]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return fmt.Errorf("parse JID: %w", err)
	}
	return b.cli.MarkRead(ctx, []types.MessageID{lm.id}, time.Now(), jid, lm.sender)
}

func (b *binding) SetTyping(ctx context.Context, chatID string, typing bool) error {
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return fmt.Errorf("parse JID: %w", err)
	}
	state := types.ChatPresenceComposing
	if !typing {
		state = types.ChatPresencePaused
	}
	return b.cli.SendChatPresence(ctx, jid, state, types.ChatPresenceMediaText)
}

func (b *binding) Contact(ctx context.Context, id string) (Contact, error) {
	jid, err := types.ParseJID(id)
	if err != nil {
		return Contact{}, fmt.Errorf("parse JID: %w", err)
	}
	info, err := b.cli.Store.Contacts.GetContact(ctx, jid)
	if err != nil {
		return Contact{}, err
	}
	name := info.FullName
	if name == "" {
		name = info.PushName
	}
	return Contact{ID: id, Number: jid.User, DisplayName: name}, nil
}

func (b *binding) Chat(ctx context.Context, id string) (Chat, error) {
	jid, err := types.ParseJID(id)
	if err != nil {
		return Chat{}, fmt.Errorf("parse JID: %w", err)
	}
	if jid.Server == types.GroupServer {
		info, err := b.cli.GetGroupInfo(ctx, jid)
		if err != nil {
			return Chat{}, err
		}
		return Chat{ID: id, Name: info.Name, IsGroup: true}, nil
	}
	c, err := b.Contact(ctx, id)
	if err != nil {
		// Name is cosmetic; fall back to the bare number.
		return Chat{ID: id, Name: jid.User}, nil
	}
	return Chat{ID: id, Name: c.DisplayName}, nil
}

// Chats is a no-op for the whatsmeow binding: the protocol engine keeps no
// local chat history, so there is no unread backlog to scan. Backlog
// recovery only applies to bindings that track history.
func (b *binding) Chats(ctx context.Context) ([]Chat, error) {
	return nil, nil
}

func (b *binding) UnreadMessages(ctx context.Context, chatID string) ([]Message, error) {
	return nil, nil
}

func strptr(s string) *string { return &s }

func optstr(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}
