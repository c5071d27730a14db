package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"autoreply/internal/model"
	"autoreply/internal/storage"
	"autoreply/internal/wa"
)

// ClientFactory constructs a chat-client binding for an account. The
// whatsmeow container satisfies this; tests plug in fakes.
type ClientFactory func(ctx context.Context, account model.Account, cfg model.RuntimeConfig) (wa.Client, error)

// MessageHandler receives inbound content messages. Handlers must not
// block: long work is spawned by the handler itself.
type MessageHandler func(s *Session, msg wa.Message)

// ReadyHandler fires when a session transitions to ready.
type ReadyHandler func(s *Session)

// Registry is the single authority over the account -> live session
// mapping. All session creation and destruction funnels through it so no
// account ever holds two bindings.
type Registry struct {
	store   *storage.Store
	factory ClientFactory
	log     zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	locks    map[string]*sync.Mutex

	subsMu sync.Mutex
	subs   []chan Event

	handlersMu    sync.RWMutex
	msgHandlers   []MessageHandler
	readyHandlers []ReadyHandler
}

// NewRegistry builds an empty registry over the given store and client
// factory.
func NewRegistry(store *storage.Store, factory ClientFactory, log zerolog.Logger) *Registry {
	return &Registry{
		store:    store,
		factory:  factory,
		log:      log.With().Str("component", "registry").Logger(),
		sessions: make(map[string]*Session),
		locks:    make(map[string]*sync.Mutex),
	}
}

// OnMessage registers a handler for inbound content messages.
func (r *Registry) OnMessage(h MessageHandler) {
	r.handlersMu.Lock()
	r.msgHandlers = append(r.msgHandlers, h)
	r.handlersMu.Unlock()
}

// OnReady registers a handler for ready transitions.
func (r *Registry) OnReady(h ReadyHandler) {
	r.handlersMu.Lock()
	r.readyHandlers = append(r.readyHandlers, h)
	r.handlersMu.Unlock()
}

// lockFor returns the per-account critical section, so create/destroy for
// one account never interleave while other accounts proceed concurrently.
func (r *Registry) lockFor(accountID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[accountID] = l
	}
	return l
}

// CreateSession loads the account, builds a session actor around a fresh
// client binding and starts it. Idempotent: an already-registered session
// is returned as-is with a warning.
func (r *Registry) CreateSession(ctx context.Context, accountID string) (*Session, error) {
	l := r.lockFor(accountID)
	l.Lock()
	defer l.Unlock()

	r.mu.Lock()
	existing, ok := r.sessions[accountID]
	r.mu.Unlock()
	if ok {
		r.log.Warn().Str("account", accountID).Msg("session already exists, returning it")
		return existing, nil
	}

	account, err := r.store.GetAccount(accountID)
	if err != nil {
		return nil, err
	}
	cfg, err := r.store.GetConfig(accountID)
	if err != nil {
		return nil, fmt.Errorf("%w: load config: %v", model.ErrSessionInit, err)
	}

	client, err := r.factory(ctx, account, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrSessionInit, err)
	}

	sess := New(accountID, account.Name, client, cfg, r.log)
	go r.watch(sess)

	r.mu.Lock()
	r.sessions[accountID] = sess
	r.mu.Unlock()

	if err := sess.Initialize(ctx); err != nil {
		r.mu.Lock()
		delete(r.sessions, accountID)
		r.mu.Unlock()
		sess.Destroy()
		return nil, err
	}
	_ = r.store.UpdateStatus(accountID, model.StatusInitializing, nil)
	r.log.Info().Str("account", accountID).Str("name", account.Name).Msg("session created")
	return sess, nil
}

// watch consumes one session's events, applying the persistence side
// effects and fanning out to subscribers and handlers.
func (r *Registry) watch(s *Session) {
	for {
		select {
		case <-s.Done():
			return
		case ev, ok := <-s.Events():
			if !ok {
				return
			}
			r.applySideEffects(s, ev)
			r.publish(ev)
			r.invokeHandlers(s, ev)
		}
	}
}

func (r *Registry) applySideEffects(s *Session, ev Event) {
	switch ev.Kind {
	case wa.EventQR:
		_ = r.store.UpdateStatus(ev.AccountID, model.StatusQRPending, nil)
	case wa.EventAuthenticated:
		_ = r.store.UpdateStatus(ev.AccountID, model.StatusAuthenticated, nil)
	case wa.EventReady:
		phone := ev.Phone
		_ = r.store.UpdateStatus(ev.AccountID, model.StatusReady, &phone)
		_ = r.store.MarkUptimeStart(ev.AccountID, time.Now())
	case wa.EventDisconnected:
		_ = r.store.UpdateStatus(ev.AccountID, model.StatusDisconnected, nil)
	case wa.EventMessage:
		if ev.Message != nil && !ev.Message.IsFromMe {
			_ = r.store.IncrementStats(ev.AccountID, model.StatsDelta{Received: 1})
		}
	case wa.EventMessageSent:
		_ = r.store.IncrementStats(ev.AccountID, model.StatsDelta{Sent: 1})
	}
}

func (r *Registry) invokeHandlers(s *Session, ev Event) {
	r.handlersMu.RLock()
	msgHandlers := r.msgHandlers
	readyHandlers := r.readyHandlers
	r.handlersMu.RUnlock()

	switch ev.Kind {
	case wa.EventMessage:
		if ev.Message == nil {
			return
		}
		for _, h := range msgHandlers {
			h(s, *ev.Message)
		}
	case wa.EventReady:
		for _, h := range readyHandlers {
			h(s)
		}
	}
}

// Get returns the live session for an account, if any.
func (r *Registry) Get(accountID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[accountID]
	return s, ok
}

// Sessions returns a snapshot of all live sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// DestroySession tears down the session for an account. No-op when absent.
// Safe to call concurrently with CreateSession for the same id.
func (r *Registry) DestroySession(accountID string) error {
	l := r.lockFor(accountID)
	l.Lock()
	defer l.Unlock()

	r.mu.Lock()
	sess, ok := r.sessions[accountID]
	if ok {
		delete(r.sessions, accountID)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	sess.Destroy()
	if err := r.store.UpdateStatus(accountID, model.StatusDisconnected, nil); err != nil {
		return fmt.Errorf("mark disconnected: %w", err)
	}
	r.log.Info().Str("account", accountID).Msg("session destroyed")
	return nil
}

// DestroyAll tears down every registered session in parallel, best-effort.
// Individual failures are aggregated, never abort the rest.
func (r *Registry) DestroyAll() error {
	sessions := r.Sessions()

	var wg sync.WaitGroup
	errs := make([]error, len(sessions))
	for i, s := range sessions {
		wg.Add(1)
		go func(i int, accountID string) {
			defer wg.Done()
			errs[i] = r.DestroySession(accountID)
		}(i, s.AccountID())
	}
	wg.Wait()
	return errors.Join(errs...)
}

// GlobalStats aggregates the persisted per-account counters.
func (r *Registry) GlobalStats() (model.GlobalStats, error) {
	return r.store.GlobalStats()
}

// ReportError surfaces a contained dispatch failure as an error event.
func (r *Registry) ReportError(accountID string, err error) {
	r.publish(Event{AccountID: accountID, Kind: wa.EventError, Err: err})
}

// Subscribe returns a channel receiving all registry events. A slow
// subscriber loses events rather than blocking the fan-out.
func (r *Registry) Subscribe(buffer int) chan Event {
	ch := make(chan Event, buffer)
	r.subsMu.Lock()
	r.subs = append(r.subs, ch)
	r.subsMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (r *Registry) Unsubscribe(ch chan Event) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for i, sub := range r.subs {
		if sub == ch {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			close(sub)
			return
		}
	}
}

func (r *Registry) publish(ev Event) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
