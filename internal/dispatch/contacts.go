package dispatch

import (
	"sync"
	"time"
)

// pairKey identifies per-contact runtime state. Keyed by the
// (account, contact) pair so two accounts talking to the same number never
// share rate-limit or interaction state.
type pairKey struct {
	accountID string
	contactID string
}

type contactState struct {
	lastSend time.Time
	count    int
	inflight bool
}

// contactTable holds the in-memory per-pair runtime state. Created lazily
// on first message; bounded only by process lifetime.
type contactTable struct {
	mu sync.Mutex
	m  map[pairKey]*contactState
}

func newContactTable() *contactTable {
	return &contactTable{m: make(map[pairKey]*contactState)}
}

func (t *contactTable) state(k pairKey) *contactState {
	st, ok := t.m[k]
	if !ok {
		st = &contactState{}
		t.m[k] = st
	}
	return st
}

// admit applies the in-flight and rate-limit filters atomically. When both
// pass it marks the pair in flight; the caller must release on every exit
// path.
func (t *contactTable) admit(k pairKey, minInterval time.Duration, now time.Time) (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state(k)
	if st.inflight {
		return false, "already processing"
	}
	if !st.lastSend.IsZero() && now.Sub(st.lastSend) < minInterval {
		return false, "rate limited"
	}
	st.inflight = true
	return true, ""
}

func (t *contactTable) release(k pairKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.m[k]; ok {
		st.inflight = false
	}
}

// count returns the interaction counter for a pair; zero means first
// interaction.
func (t *contactTable) count(k pairKey) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.m[k]; ok {
		return st.count
	}
	return 0
}

// recordSend advances the interaction counter and send timestamp, returning
// the new counter and the account's distinct contacted-pair count.
func (t *contactTable) recordSend(k pairKey, now time.Time) (count, uniqueContacts int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state(k)
	st.count++
	st.lastSend = now
	for key, s := range t.m {
		if key.accountID == k.accountID && s.count > 0 {
			uniqueContacts++
		}
	}
	return st.count, uniqueContacts
}
