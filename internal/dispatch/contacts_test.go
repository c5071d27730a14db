package dispatch

import (
	"sync"
	"testing"
	"time"
)

func TestAdmitSingleWinner(t *testing.T) {
	table := newContactTable()
	k := pairKey{accountID: "a", contactID: "c"}
	now := time.Now()

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _ := table.admit(k, 0, now)
			if ok {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 1 {
		t.Fatalf("admitted = %d, want exactly 1", admitted)
	}
}

func TestAdmitRateLimit(t *testing.T) {
	table := newContactTable()
	k := pairKey{accountID: "a", contactID: "c"}
	now := time.Now()

	ok, _ := table.admit(k, time.Minute, now)
	if !ok {
		t.Fatal("fresh pair must be admitted")
	}
	table.recordSend(k, now)
	table.release(k)

	ok, reason := table.admit(k, time.Minute, now.Add(30*time.Second))
	if ok || reason != "rate limited" {
		t.Fatalf("admit inside window = (%v, %q), want rate limited", ok, reason)
	}

	ok, _ = table.admit(k, time.Minute, now.Add(2*time.Minute))
	if !ok {
		t.Fatal("pair must be admitted after the window elapses")
	}
}

func TestPairIsolationAcrossAccounts(t *testing.T) {
	table := newContactTable()
	now := time.Now()
	ka := pairKey{accountID: "a", contactID: "c"}
	kb := pairKey{accountID: "b", contactID: "c"}

	count, unique := table.recordSend(ka, now)
	if count != 1 || unique != 1 {
		t.Fatalf("account a: count=%d unique=%d, want 1/1", count, unique)
	}

	// The same contact under another account has independent state.
	if got := table.count(kb); got != 0 {
		t.Fatalf("account b count = %d, want 0", got)
	}
	count, unique = table.recordSend(kb, now)
	if count != 1 || unique != 1 {
		t.Fatalf("account b: count=%d unique=%d, want 1/1", count, unique)
	}

	// A second contact under account a bumps only a's distinct count.
	_, unique = table.recordSend(pairKey{accountID: "a", contactID: "d"}, now)
	if unique != 2 {
		t.Fatalf("account a unique = %d, want 2", unique)
	}
}

func TestReleaseUnknownPair(t *testing.T) {
	table := newContactTable()
	table.release(pairKey{accountID: "a", contactID: "never seen"})
}
