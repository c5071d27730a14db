// Package dispatch decides, for each inbound content message, whether and
// how to respond: ordered admission filters, humanized delays, response
// selection and the media fallback.
package dispatch

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"autoreply/internal/behavior"
	"autoreply/internal/model"
	"autoreply/internal/session"
	"autoreply/internal/storage"
	"autoreply/internal/wa"
)

// ErrorSink receives contained dispatch failures; the registry surfaces
// them as error events.
type ErrorSink interface {
	ReportError(accountID string, err error)
}

// Dispatcher runs the message pipeline for every session. One instance
// serves the whole process; per-pair serialization happens via the contact
// table's in-flight flag.
type Dispatcher struct {
	store     *storage.Store
	engine    *behavior.Engine
	blacklist *Blacklist
	mediaDir  string
	log       zerolog.Logger
	sink      ErrorSink

	contacts *contactTable
	now      func() time.Time

	rndMu sync.Mutex
	rnd   *rand.Rand

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	// Fixed pacing knobs, shortened in tests.
	postReadPause time.Duration
	typingPulse   time.Duration
	backlogGap    time.Duration
	sendEvery     time.Duration
}

// New builds a dispatcher with production pacing defaults.
func New(store *storage.Store, engine *behavior.Engine, blacklist *Blacklist, mediaDir string, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:     store,
		engine:    engine,
		blacklist: blacklist,
		mediaDir:  mediaDir,
		log:       log.With().Str("component", "dispatch").Logger(),
		contacts:  newContactTable(),
		now:       time.Now,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
		limiters:  make(map[string]*rate.Limiter),

		postReadPause: 500 * time.Millisecond,
		typingPulse:   3 * time.Second,
		backlogGap:    5 * time.Second,
		sendEvery:     2 * time.Second,
	}
}

// SetErrorSink wires the registry's error reporting. Optional.
func (d *Dispatcher) SetErrorSink(sink ErrorSink) { d.sink = sink }

// HandleMessage is the registry message handler. It returns immediately;
// the pipeline runs on its own goroutine so one slow contact never stalls
// the session event pump.
func (d *Dispatcher) HandleMessage(s *session.Session, msg wa.Message) {
	go d.process(s, msg)
}

// HandleReady is the registry ready handler, kicking off backlog recovery.
func (d *Dispatcher) HandleReady(s *session.Session) {
	go d.recoverBacklog(s)
}

// process applies the admission filters and, when admitted, responds.
// Every failure is contained here: logged, reported to the sink, never
// propagated to the registry or other sessions.
func (d *Dispatcher) process(s *session.Session, msg wa.Message) {
	log := d.log.With().Str("account", s.AccountID()).Str("chat", msg.ChatID).Logger()

	if msg.IsFromMe {
		log.Debug().Str("reason", "own message").Msg("ignored")
		return
	}
	if msg.IsSystem || strings.TrimSpace(msg.Body) == "" {
		log.Debug().Str("reason", "system notification").Msg("ignored")
		return
	}
	if d.blacklist.Contains(msg.SenderID) {
		log.Info().Str("reason", "blacklisted").Msg("ignored")
		return
	}

	cfg := s.Config()
	key := pairKey{accountID: s.AccountID(), contactID: msg.ChatID}
	ok, reason := d.contacts.admit(key, time.Duration(cfg.MinMessageIntervalSec)*time.Second, d.now())
	if !ok {
		log.Info().Str("reason", reason).Msg("ignored")
		return
	}
	defer d.contacts.release(key)

	if err := d.respond(s.Context(), s, msg, cfg, key, log); err != nil {
		log.Error().Err(err).Str("sender", msg.SenderID).Msg("dispatch failed")
		if d.sink != nil {
			d.sink.ReportError(s.AccountID(), err)
		}
	}
}

func (d *Dispatcher) respond(ctx context.Context, s *session.Session, msg wa.Message, cfg model.RuntimeConfig, key pairKey, log zerolog.Logger) error {
	client := s.Client()

	if hasExitToken(msg.Body) {
		return d.handleExit(ctx, s, msg, cfg, log)
	}

	chat, err := client.Chat(ctx, msg.ChatID)
	if err != nil {
		// Cosmetic lookup; fall back to what the message itself carries.
		chat = wa.Chat{ID: msg.ChatID, IsGroup: msg.IsGroup}
	}
	name := chat.Name
	if name == "" {
		name = msg.PushName
	}

	if err := client.MarkSeen(ctx, msg.ChatID); err != nil {
		log.Warn().Err(err).Msg("mark seen failed")
	}
	if err := d.sleep(ctx, d.postReadPause); err != nil {
		return err
	}

	first := d.contacts.count(key) == 0
	kind := responseKind(chat.IsGroup, first)
	text, err := d.selectResponse(s.AccountID(), kind, name, chat.Name)
	if err != nil {
		return err
	}

	if d.engine.ShouldIgnore(cfg) && !first {
		log.Info().Str("reason", "simulated silence").Msg("ignored")
		return nil
	}

	if err := d.sleep(ctx, d.engine.ReadDelay(cfg)); err != nil {
		return err
	}
	if err := d.typingPulses(ctx, client, msg.ChatID, d.engine.TypingDelayFor(cfg, text)); err != nil {
		return err
	}
	if err := d.sleep(ctx, d.engine.ResponseDelay(cfg)); err != nil {
		return err
	}
	if err := d.limiterFor(s.AccountID()).Wait(ctx); err != nil {
		return err
	}

	count := d.contacts.count(key)
	sentMedia := false
	if cfg.MediaEnabled && count%cfg.MediaInterval == 0 {
		path, err := d.pickMedia()
		if err != nil {
			log.Warn().Err(err).Msg("media unavailable, sending text instead")
		} else {
			if err := client.SendMedia(ctx, msg.ChatID, path, ""); err != nil {
				return err
			}
			sentMedia = true
			log.Info().Str("media", path).Msg("media sent")
		}
	}
	if !sentMedia {
		if err := client.SendText(ctx, msg.ChatID, text); err != nil {
			return err
		}
		log.Info().Bool("first", first).Str("kind", kind).Msg("response sent")
	}

	newCount, unique := d.contacts.recordSend(key, d.now())
	if err := d.store.IncrementStats(s.AccountID(), model.StatsDelta{UniqueContacts: int64(unique)}); err != nil {
		log.Warn().Err(err).Msg("stats update failed")
	}
	log.Debug().Int("interactions", newCount).Int("unique_contacts", unique).Msg("contact state updated")
	return nil
}

// handleExit blacklists the contact and sends a farewell. No further
// pipeline stages run.
func (d *Dispatcher) handleExit(ctx context.Context, s *session.Session, msg wa.Message, cfg model.RuntimeConfig, log zerolog.Logger) error {
	client := s.Client()

	number := msg.SenderID
	if c, err := client.Contact(ctx, msg.SenderID); err == nil && c.Number != "" {
		number = c.Number
	}
	d.blacklist.Add(number)
	log.Info().Str("number", normalizeNumber(number)).Msg("contact opted out")

	if err := d.typingPulses(ctx, client, msg.ChatID, d.engine.TypingDelayFor(cfg, farewellText)); err != nil {
		return err
	}
	return client.SendText(ctx, msg.ChatID, farewellText)
}

// recoverBacklog re-runs the pipeline over unread messages after a session
// becomes ready, pacing between messages to avoid a burst.
func (d *Dispatcher) recoverBacklog(s *session.Session) {
	ctx := s.Context()
	log := d.log.With().Str("account", s.AccountID()).Logger()

	chats, err := s.Client().Chats(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("backlog scan failed")
		return
	}
	for _, ch := range chats {
		if ch.UnreadCount == 0 {
			continue
		}
		msgs, err := s.Client().UnreadMessages(ctx, ch.ID)
		if err != nil {
			log.Warn().Err(err).Str("chat", ch.ID).Msg("unread fetch failed")
			continue
		}
		log.Info().Str("chat", ch.ID).Int("unread", len(msgs)).Msg("recovering backlog")
		for _, m := range msgs {
			d.process(s, m)
			if err := d.sleep(ctx, d.backlogGap); err != nil {
				return
			}
		}
	}
}

// typingPulses simulates the typing indicator in repeating pulses for the
// whole typing duration, with a final partial pulse for the remainder.
func (d *Dispatcher) typingPulses(ctx context.Context, client wa.Client, chatID string, total time.Duration) error {
	defer func() { _ = client.SetTyping(ctx, chatID, false) }()
	for remaining := total; remaining > 0; {
		if err := client.SetTyping(ctx, chatID, true); err != nil {
			return err
		}
		step := d.typingPulse
		if step > remaining {
			step = remaining
		}
		if err := d.sleep(ctx, step); err != nil {
			return err
		}
		remaining -= step
	}
	return nil
}

// sleep is a ctx-aware wait; it never blocks past session destruction.
func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) error {
	if dur <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// limiterFor returns the per-account outbound pacing limiter.
func (d *Dispatcher) limiterFor(accountID string) *rate.Limiter {
	d.limMu.Lock()
	defer d.limMu.Unlock()
	l, ok := d.limiters[accountID]
	if !ok {
		l = rate.NewLimiter(rate.Every(d.sendEvery), 1)
		d.limiters[accountID] = l
	}
	return l
}

func (d *Dispatcher) intn(n int) int {
	d.rndMu.Lock()
	defer d.rndMu.Unlock()
	return d.rnd.Intn(n)
}
