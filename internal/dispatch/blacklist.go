package dispatch

import (
	"bufio"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Blacklist is the set of phone numbers that opted out via the exit
// command. Backed by a flat append-only file, loaded once at startup.
type Blacklist struct {
	path string
	log  zerolog.Logger

	mu  sync.RWMutex
	set map[string]struct{}
}

// LoadBlacklist reads the blacklist file; a missing file yields an empty
// blacklist.
func LoadBlacklist(path string, log zerolog.Logger) (*Blacklist, error) {
	b := &Blacklist{
		path: path,
		log:  log.With().Str("component", "blacklist").Logger(),
		set:  make(map[string]struct{}),
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return b, nil
		}
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if n := normalizeNumber(sc.Text()); n != "" {
			b.set[n] = struct{}{}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	b.log.Info().Int("entries", len(b.set)).Msg("blacklist loaded")
	return b, nil
}

// Contains reports whether the bare phone number is blacklisted.
func (b *Blacklist) Contains(number string) bool {
	n := normalizeNumber(number)
	if n == "" {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.set[n]
	return ok
}

// Add records a number in memory and appends it to the backing file. The
// durable append is best-effort: on write failure the in-memory entry
// stays and the error is logged.
func (b *Blacklist) Add(number string) {
	n := normalizeNumber(number)
	if n == "" {
		return
	}
	b.mu.Lock()
	if _, ok := b.set[n]; ok {
		b.mu.Unlock()
		return
	}
	b.set[n] = struct{}{}
	b.mu.Unlock()

	f, err := os.OpenFile(b.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		b.log.Error().Err(err).Str("number", n).Msg("blacklist append failed")
		return
	}
	defer f.Close()
	if _, err := f.WriteString(n + "\n"); err != nil {
		b.log.Error().Err(err).Str("number", n).Msg("blacklist append failed")
	}
}

// Len returns the number of blacklisted entries.
func (b *Blacklist) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.set)
}

// normalizeNumber reduces a JID or formatted phone number to bare digits.
func normalizeNumber(s string) string {
	if i := strings.IndexByte(s, '@'); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}
	var sb strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
