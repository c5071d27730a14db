package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"autoreply/internal/model"
	"autoreply/internal/storage"
	"autoreply/internal/wa"
)

// factoryHarness is a ClientFactory that hands out fakeClients and records
// how often it was asked.
type factoryHarness struct {
	mu         sync.Mutex
	calls      int
	clients    map[string]*fakeClient
	err        error
	connectErr error
}

func newFactoryHarness() *factoryHarness {
	return &factoryHarness{clients: make(map[string]*fakeClient)}
}

func (h *factoryHarness) make(ctx context.Context, account model.Account, cfg model.RuntimeConfig) (wa.Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.err != nil {
		return nil, h.err
	}
	c := newFakeClient()
	c.connectErr = h.connectErr
	h.clients[account.ID] = c
	return c, nil
}

func (h *factoryHarness) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func (h *factoryHarness) client(accountID string) *fakeClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clients[accountID]
}

func newTestRegistry(t *testing.T) (*Registry, *storage.Store, *factoryHarness) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	h := newFactoryHarness()
	r := NewRegistry(store, h.make, zerolog.Nop())
	t.Cleanup(func() { _ = r.DestroyAll() })
	return r, store, h
}

func createAccount(t *testing.T, store *storage.Store) string {
	t.Helper()
	id, err := store.CreateAccount("test account", "")
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	return id
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCreateSessionIdempotent(t *testing.T) {
	r, store, h := newTestRegistry(t)
	id := createAccount(t, store)

	first, err := r.CreateSession(context.Background(), id)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := r.CreateSession(context.Background(), id)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if first != second {
		t.Fatal("second create must return the existing session")
	}
	if h.callCount() != 1 {
		t.Fatalf("factory invoked %d times, want 1", h.callCount())
	}
}

func TestCreateSessionUnknownAccount(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	_, err := r.CreateSession(context.Background(), "missing")
	if !errors.Is(err, model.ErrAccountNotFound) {
		t.Fatalf("err = %v, want ErrAccountNotFound", err)
	}
}

func TestCreateSessionFactoryFailure(t *testing.T) {
	r, store, h := newTestRegistry(t)
	id := createAccount(t, store)
	h.err = errors.New("proxy unreachable")

	_, err := r.CreateSession(context.Background(), id)
	if !errors.Is(err, model.ErrSessionInit) {
		t.Fatalf("err = %v, want ErrSessionInit", err)
	}
	if _, ok := r.Get(id); ok {
		t.Fatal("failed create must not leave a registered session")
	}
}

func TestCreateSessionConnectFailureRollsBack(t *testing.T) {
	r, store, h := newTestRegistry(t)
	id := createAccount(t, store)
	h.connectErr = errors.New("dial timeout")

	_, err := r.CreateSession(context.Background(), id)
	if !errors.Is(err, model.ErrSessionInit) {
		t.Fatalf("err = %v, want ErrSessionInit", err)
	}
	if _, ok := r.Get(id); ok {
		t.Fatal("failed initialize must roll the session back out")
	}
	if got := h.client(id).destroys.Load(); got != 1 {
		t.Fatalf("client destroyed %d times on rollback, want 1", got)
	}
}

func TestEventFanOutAndPersistence(t *testing.T) {
	r, store, h := newTestRegistry(t)
	id := createAccount(t, store)

	sub := r.Subscribe(16)
	defer r.Unsubscribe(sub)

	gotMsg := make(chan wa.Message, 1)
	r.OnMessage(func(s *Session, m wa.Message) { gotMsg <- m })
	ready := make(chan struct{}, 1)
	r.OnReady(func(s *Session) { ready <- struct{}{} })

	if _, err := r.CreateSession(context.Background(), id); err != nil {
		t.Fatalf("create: %v", err)
	}
	client := h.client(id)

	client.events <- wa.Event{Kind: wa.EventReady, Phone: "5511999990000"}
	select {
	case ev := <-sub:
		if ev.Kind != wa.EventReady || ev.AccountID != id {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ready event never fanned out")
	}
	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("ready handler never invoked")
	}
	waitFor(t, "persisted ready status", func() bool {
		a, err := store.GetAccount(id)
		return err == nil && a.Status == model.StatusReady && a.Phone == "5511999990000"
	})

	msg := wa.Message{ID: "m1", ChatID: "c@s.whatsapp.net", SenderID: "c@s.whatsapp.net", Body: "oi"}
	client.events <- wa.Event{Kind: wa.EventMessage, Message: &msg}
	select {
	case m := <-gotMsg:
		if m.Body != "oi" {
			t.Fatalf("handler got %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message handler never invoked")
	}

	client.events <- wa.Event{Kind: wa.EventMessageSent}
	waitFor(t, "persisted counters", func() bool {
		st, err := store.GetStats(id)
		return err == nil && st.Received == 1 && st.Sent == 1
	})
}

func TestDestroySessionAbsentIsNoop(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	if err := r.DestroySession("never created"); err != nil {
		t.Fatalf("destroy absent = %v, want nil", err)
	}
}

func TestDestroyAll(t *testing.T) {
	r, store, h := newTestRegistry(t)
	a := createAccount(t, store)
	b := createAccount(t, store)

	for _, id := range []string{a, b} {
		if _, err := r.CreateSession(context.Background(), id); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	if err := r.DestroyAll(); err != nil {
		t.Fatalf("destroy all: %v", err)
	}
	if got := len(r.Sessions()); got != 0 {
		t.Fatalf("%d sessions left after DestroyAll", got)
	}
	for _, id := range []string{a, b} {
		if got := h.client(id).destroys.Load(); got != 1 {
			t.Fatalf("client %s destroyed %d times, want 1", id, got)
		}
		acct, err := store.GetAccount(id)
		if err != nil {
			t.Fatal(err)
		}
		if acct.Status != model.StatusDisconnected {
			t.Fatalf("account %s status = %q, want disconnected", id, acct.Status)
		}
	}
}

func TestReportErrorPublishes(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	sub := r.Subscribe(1)
	defer r.Unsubscribe(sub)

	cause := errors.New("send failed")
	r.ReportError("acc-9", cause)

	select {
	case ev := <-sub:
		if ev.Kind != wa.EventError || ev.AccountID != "acc-9" || !errors.Is(ev.Err, cause) {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("error event never published")
	}
}
