// Package session owns the lifecycle of the live account bindings: the
// Session actor wrapping one chat client, and the Registry that is the
// single authority over which accounts are bound.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"autoreply/internal/model"
	"autoreply/internal/wa"
)

// sessionEventBuffer bounds the per-session outbound event channel.
const sessionEventBuffer = 64

// Event is a session event enriched with the owning account id, fanned out
// by the Registry to its subscribers.
type Event struct {
	AccountID string
	Kind      wa.EventKind
	QR        string
	Phone     string
	Reason    string
	Err       error
	Message   *wa.Message
}

// Info is a non-blocking snapshot of a session's state.
type Info struct {
	AccountID string `json:"account_id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	QR        string `json:"qr,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

// Session wraps one chat-client binding and presents a uniform lifecycle.
// It performs no persistence; side effects are observable only through the
// emitted events.
type Session struct {
	accountID string
	name      string
	client    wa.Client
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	status    string
	qr        string
	phone     string
	cfg       model.RuntimeConfig
	destroyed bool

	events     chan Event
	destroyOne sync.Once
}

// New builds a session actor around an already-constructed client binding.
func New(accountID, name string, client wa.Client, cfg model.RuntimeConfig, log zerolog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		accountID:  accountID,
		name:       name,
		client:     client,
		log:        log.With().Str("account", accountID).Logger(),
		ctx:        ctx,
		cancel:     cancel,
		status:     model.StatusInitializing,
		cfg:        cfg,
		events:     make(chan Event, sessionEventBuffer),
	}
}

// Initialize starts the event pump and the client connection. It returns
// once the connection attempt is started; progress arrives via Events.
func (s *Session) Initialize(ctx context.Context) error {
	go s.pump()
	if err := s.client.Connect(s.ctx); err != nil {
		return fmt.Errorf("%w: %v", model.ErrSessionInit, err)
	}
	return nil
}

// pump translates client events into session events, tracking the lifecycle
// state machine along the way.
func (s *Session) pump() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-s.client.Events():
			if !ok {
				return
			}
			s.apply(ev)
			out := Event{
				AccountID: s.accountID,
				Kind:      ev.Kind,
				QR:        ev.QR,
				Phone:     ev.Phone,
				Reason:    ev.Reason,
				Err:       ev.Err,
				Message:   ev.Message,
			}
			select {
			case s.events <- out:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

func (s *Session) apply(ev wa.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	switch ev.Kind {
	case wa.EventQR:
		s.status = model.StatusQRPending
		s.qr = ev.QR
	case wa.EventAuthenticated:
		s.status = model.StatusAuthenticated
		s.qr = ""
	case wa.EventReady:
		s.status = model.StatusReady
		s.qr = ""
		if ev.Phone != "" {
			s.phone = ev.Phone
		}
	case wa.EventDisconnected:
		s.status = model.StatusDisconnected
	}
}

// Events exposes the session's outbound event stream. Consumed by the
// Registry only.
func (s *Session) Events() <-chan Event { return s.events }

// Done is closed when the session is destroyed; in-flight dispatches use it
// to fail soft instead of sending through a dead binding.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Context returns the session-scoped context, canceled on destroy.
func (s *Session) Context() context.Context { return s.ctx }

func (s *Session) AccountID() string { return s.accountID }
func (s *Session) Name() string      { return s.name }

// Client exposes the bound chat client for the dispatch pipeline.
func (s *Session) Client() wa.Client { return s.client }

// Config returns the current runtime config snapshot.
func (s *Session) Config() model.RuntimeConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// SetConfig replaces the runtime config snapshot. In-flight dispatch delays
// keep the values they already read.
func (s *Session) SetConfig(cfg model.RuntimeConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}

// UpdateConfig merges a partial update into the snapshot without requiring
// a session restart.
func (s *Session) UpdateConfig(patch model.ConfigPatch) (model.RuntimeConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := s.cfg.Merge(patch)
	if err := merged.Validate(); err != nil {
		return s.cfg, err
	}
	s.cfg = merged
	return merged, nil
}

// Status returns the current lifecycle state.
func (s *Session) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Phone returns the bound phone number, empty until ready.
func (s *Session) Phone() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phone
}

// Info returns a snapshot of the session without touching the network.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		AccountID: s.accountID,
		Name:      s.name,
		Status:    s.status,
		QR:        s.qr,
		Phone:     s.phone,
	}
}

// Reconnect retriggers the client's connection flow. Fails fast after
// destroy.
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", model.ErrAlreadyDestroyed, s.accountID)
	}
	s.status = model.StatusInitializing
	s.mu.Unlock()
	return s.client.Reconnect(ctx)
}

// Destroy releases the binding. Idempotent; safe on a client that never
// fully connected.
func (s *Session) Destroy() {
	s.destroyOne.Do(func() {
		s.mu.Lock()
		s.destroyed = true
		s.status = model.StatusDestroyed
		s.mu.Unlock()
		s.cancel()
		s.client.Destroy()
		s.log.Info().Msg("session destroyed")
	})
}

// Destroyed reports whether Destroy has been called.
func (s *Session) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}
