package storage

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"autoreply/internal/model"
)

type Store struct {
	DB *sql.DB

	defMu    sync.RWMutex
	defaults model.RuntimeConfig
}

// Open opens/initializes SQLite database with WAL and foreign keys, then migrates schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// Pragmas are best-effort; migrate is the real gate.
	_, _ = db.Exec(`PRAGMA journal_mode=WAL;`)
	_, _ = db.Exec(`PRAGMA foreign_keys = ON;`)
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{DB: db, defaults: model.DefaultRuntimeConfig()}, nil
}

// Close closes underlying DB.
func (s *Store) Close() error { return s.DB.Close() }

// SetRuntimeDefaults replaces the config seeded into new accounts and used
// as the fallback for accounts without a stored config row.
func (s *Store) SetRuntimeDefaults(cfg model.RuntimeConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.defMu.Lock()
	s.defaults = cfg
	s.defMu.Unlock()
	return nil
}

func (s *Store) runtimeDefaults() model.RuntimeConfig {
	s.defMu.RLock()
	defer s.defMu.RUnlock()
	return s.defaults
}

func migrate(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	stmts := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			phone TEXT,
			status TEXT NOT NULL DEFAULT 'disconnected',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS account_configs (
			account_id TEXT PRIMARY KEY,
			proxy_host TEXT NOT NULL DEFAULT '',
			proxy_port INTEGER NOT NULL DEFAULT 0,
			proxy_user TEXT NOT NULL DEFAULT '',
			proxy_pass TEXT NOT NULL DEFAULT '',
			min_read_sec INTEGER NOT NULL DEFAULT 2,
			max_read_sec INTEGER NOT NULL DEFAULT 8,
			min_typing_sec INTEGER NOT NULL DEFAULT 3,
			max_typing_sec INTEGER NOT NULL DEFAULT 10,
			min_response_sec INTEGER NOT NULL DEFAULT 5,
			max_response_sec INTEGER NOT NULL DEFAULT 20,
			min_message_interval_sec INTEGER NOT NULL DEFAULT 60,
			ignore_percent INTEGER NOT NULL DEFAULT 15,
			media_enabled INTEGER NOT NULL DEFAULT 0,
			media_interval INTEGER NOT NULL DEFAULT 3,
			FOREIGN KEY(account_id) REFERENCES accounts(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS message_templates (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			type TEXT NOT NULL,
			text TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(account_id) REFERENCES accounts(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS account_stats (
			account_id TEXT PRIMARY KEY,
			sent INTEGER NOT NULL DEFAULT 0,
			received INTEGER NOT NULL DEFAULT 0,
			unique_contacts INTEGER NOT NULL DEFAULT 0,
			uptime_start TIMESTAMP,
			FOREIGN KEY(account_id) REFERENCES accounts(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_templates_account ON message_templates(account_id, type, enabled);`,
	}
	for _, s := range stmts {
		if _, err := tx.Exec(s); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// CreateAccount inserts a new account with a default config and zeroed stats,
// returning its generated ID.
func (s *Store) CreateAccount(name, phone string) (string, error) {
	id := uuid.NewString()
	now := time.Now()
	tx, err := s.DB.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`INSERT INTO accounts (id,name,phone,status,created_at,updated_at)
		VALUES (?,?,?,'disconnected',?,?)`, id, name, phone, now, now); err != nil {
		return "", err
	}
	d := s.runtimeDefaults()
	if _, err := tx.Exec(`INSERT INTO account_configs (account_id,proxy_host,proxy_port,proxy_user,proxy_pass,
		min_read_sec,max_read_sec,min_typing_sec,max_typing_sec,min_response_sec,max_response_sec,
		min_message_interval_sec,ignore_percent,media_enabled,media_interval)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		id, d.ProxyHost, d.ProxyPort, d.ProxyUser, d.ProxyPass,
		d.MinReadSec, d.MaxReadSec, d.MinTypingSec, d.MaxTypingSec, d.MinResponseSec, d.MaxResponseSec,
		d.MinMessageIntervalSec, d.IgnorePercent, btoi(d.MediaEnabled), d.MediaInterval); err != nil {
		return "", err
	}
	if _, err := tx.Exec(`INSERT INTO account_stats (account_id) VALUES (?)`, id); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// GetAccount loads one account; returns model.ErrAccountNotFound when absent.
func (s *Store) GetAccount(id string) (model.Account, error) {
	var a model.Account
	var phone sql.NullString
	err := s.DB.QueryRow(`SELECT id,name,COALESCE(phone,''),status,created_at,updated_at FROM accounts WHERE id=?`, id).
		Scan(&a.ID, &a.Name, &phone, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return model.Account{}, fmt.Errorf("%w: %s", model.ErrAccountNotFound, id)
	}
	if err != nil {
		return model.Account{}, err
	}
	a.Phone = phone.String
	return a, nil
}

// ListAccounts returns all accounts ordered by created_at desc.
func (s *Store) ListAccounts() ([]model.Account, error) {
	rows, err := s.DB.Query(`SELECT id,name,COALESCE(phone,''),status,created_at,updated_at FROM accounts ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []model.Account
	for rows.Next() {
		var a model.Account
		if err := rows.Scan(&a.ID, &a.Name, &a.Phone, &a.Status, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, rows.Err()
}

func (s *Store) AccountExists(id string) (bool, error) {
	var n int
	if err := s.DB.QueryRow(`SELECT COUNT(1) FROM accounts WHERE id=?`, id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateStatus records the session lifecycle status; phoneOpt, when non-nil
// and non-empty, also updates the bound phone number.
func (s *Store) UpdateStatus(id, status string, phoneOpt *string) error {
	if phoneOpt != nil {
		_, err := s.DB.Exec(`UPDATE accounts SET status=?, phone=COALESCE(NULLIF(?, ''), phone), updated_at=CURRENT_TIMESTAMP WHERE id=?`,
			status, *phoneOpt, id)
		return err
	}
	_, err := s.DB.Exec(`UPDATE accounts SET status=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`, status, id)
	return err
}

// UpdateAccount renames an account / rebinds its phone.
func (s *Store) UpdateAccount(id, name, phone string) error {
	_, err := s.DB.Exec(`UPDATE accounts SET name=?, phone=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`, name, phone, id)
	return err
}

// DeleteAccount removes an account. Config, templates and stats cascade.
func (s *Store) DeleteAccount(id string) error {
	_, err := s.DB.Exec(`DELETE FROM accounts WHERE id=?`, id)
	return err
}

// GetConfig loads the runtime config for an account, falling back to the
// store's runtime defaults when no row exists.
func (s *Store) GetConfig(accountID string) (model.RuntimeConfig, error) {
	c := s.runtimeDefaults()
	var mediaEnabled int
	err := s.DB.QueryRow(`SELECT proxy_host,proxy_port,proxy_user,proxy_pass,
		min_read_sec,max_read_sec,min_typing_sec,max_typing_sec,min_response_sec,max_response_sec,
		min_message_interval_sec,ignore_percent,media_enabled,media_interval
		FROM account_configs WHERE account_id=?`, accountID).
		Scan(&c.ProxyHost, &c.ProxyPort, &c.ProxyUser, &c.ProxyPass,
			&c.MinReadSec, &c.MaxReadSec, &c.MinTypingSec, &c.MaxTypingSec, &c.MinResponseSec, &c.MaxResponseSec,
			&c.MinMessageIntervalSec, &c.IgnorePercent, &mediaEnabled, &c.MediaInterval)
	if err == sql.ErrNoRows {
		return s.runtimeDefaults(), nil
	}
	if err != nil {
		return c, err
	}
	c.MediaEnabled = mediaEnabled == 1
	return c, nil
}

// PutConfig validates and upserts an account's runtime config.
func (s *Store) PutConfig(accountID string, c model.RuntimeConfig) error {
	if err := c.Validate(); err != nil {
		return err
	}
	_, err := s.DB.Exec(`
		INSERT INTO account_configs (account_id,proxy_host,proxy_port,proxy_user,proxy_pass,
			min_read_sec,max_read_sec,min_typing_sec,max_typing_sec,min_response_sec,max_response_sec,
			min_message_interval_sec,ignore_percent,media_enabled,media_interval)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(account_id) DO UPDATE SET
			proxy_host=excluded.proxy_host, proxy_port=excluded.proxy_port,
			proxy_user=excluded.proxy_user, proxy_pass=excluded.proxy_pass,
			min_read_sec=excluded.min_read_sec, max_read_sec=excluded.max_read_sec,
			min_typing_sec=excluded.min_typing_sec, max_typing_sec=excluded.max_typing_sec,
			min_response_sec=excluded.min_response_sec, max_response_sec=excluded.max_response_sec,
			min_message_interval_sec=excluded.min_message_interval_sec,
			ignore_percent=excluded.ignore_percent,
			media_enabled=excluded.media_enabled, media_interval=excluded.media_interval
	`, accountID, c.ProxyHost, c.ProxyPort, c.ProxyUser, c.ProxyPass,
		c.MinReadSec, c.MaxReadSec, c.MinTypingSec, c.MaxTypingSec, c.MinResponseSec, c.MaxResponseSec,
		c.MinMessageIntervalSec, c.IgnorePercent, btoi(c.MediaEnabled), c.MediaInterval)
	return err
}

// CreateTemplate inserts a custom message template and returns its ID.
func (s *Store) CreateTemplate(accountID, typ, text string, enabled bool) (string, error) {
	switch typ {
	case model.TemplateFirst, model.TemplateFollowup, model.TemplateGroup:
	default:
		return "", fmt.Errorf("unknown template type %q", typ)
	}
	id := uuid.NewString()
	_, err := s.DB.Exec(`INSERT INTO message_templates (id,account_id,type,text,enabled) VALUES (?,?,?,?,?)`,
		id, accountID, typ, text, btoi(enabled))
	if err != nil {
		return "", err
	}
	return id, nil
}

// ListTemplates returns templates for an account; typ filters when non-empty,
// enabledOnly drops disabled rows.
func (s *Store) ListTemplates(accountID, typ string, enabledOnly bool) ([]model.MessageTemplate, error) {
	q := `SELECT id,account_id,type,text,enabled,created_at FROM message_templates WHERE account_id=?`
	args := []any{accountID}
	if typ != "" {
		q += ` AND type=?`
		args = append(args, typ)
	}
	if enabledOnly {
		q += ` AND enabled=1`
	}
	q += ` ORDER BY created_at`
	rows, err := s.DB.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.MessageTemplate
	for rows.Next() {
		var t model.MessageTemplate
		var enabled int
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Type, &t.Text, &enabled, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Enabled = enabled == 1
		res = append(res, t)
	}
	return res, rows.Err()
}

func (s *Store) ToggleTemplate(id string, enabled bool) (int64, error) {
	res, err := s.DB.Exec(`UPDATE message_templates SET enabled=? WHERE id=?`, btoi(enabled), id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) DeleteTemplate(id string) error {
	_, err := s.DB.Exec(`DELETE FROM message_templates WHERE id=?`, id)
	return err
}

// IncrementStats bumps the persisted counters for an account. Unique contact
// counts are reported as absolute values by the dispatcher, so the column
// takes the max rather than a sum.
func (s *Store) IncrementStats(accountID string, d model.StatsDelta) error {
	_, err := s.DB.Exec(`
		INSERT INTO account_stats (account_id, sent, received, unique_contacts)
		VALUES (?,?,?,?)
		ON CONFLICT(account_id) DO UPDATE SET
			sent = sent + excluded.sent,
			received = received + excluded.received,
			unique_contacts = MAX(unique_contacts, excluded.unique_contacts)
	`, accountID, d.Sent, d.Received, d.UniqueContacts)
	return err
}

// MarkUptimeStart records the moment a session became ready.
func (s *Store) MarkUptimeStart(accountID string, at time.Time) error {
	_, err := s.DB.Exec(`
		INSERT INTO account_stats (account_id, uptime_start) VALUES (?,?)
		ON CONFLICT(account_id) DO UPDATE SET uptime_start=excluded.uptime_start
	`, accountID, at)
	return err
}

// GetStats loads the counters for one account.
func (s *Store) GetStats(accountID string) (model.Stats, error) {
	st := model.Stats{AccountID: accountID}
	var uptime sql.NullTime
	err := s.DB.QueryRow(`SELECT sent,received,unique_contacts,uptime_start FROM account_stats WHERE account_id=?`, accountID).
		Scan(&st.Sent, &st.Received, &st.UniqueContacts, &uptime)
	if err == sql.ErrNoRows {
		return st, nil
	}
	if err != nil {
		return st, err
	}
	if uptime.Valid {
		t := uptime.Time
		st.UptimeStart = &t
	}
	return st, nil
}

// GlobalStats aggregates the persisted counters across every account.
func (s *Store) GlobalStats() (model.GlobalStats, error) {
	g := model.GlobalStats{AccountsByStatus: map[string]int64{}}
	rows, err := s.DB.Query(`SELECT status, COUNT(*) FROM accounts GROUP BY status`)
	if err != nil {
		return g, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return g, err
		}
		g.AccountsByStatus[status] = n
	}
	if err := rows.Err(); err != nil {
		return g, err
	}
	err = s.DB.QueryRow(`SELECT COALESCE(SUM(sent),0), COALESCE(SUM(received),0), COALESCE(SUM(unique_contacts),0) FROM account_stats`).
		Scan(&g.Sent, &g.Received, &g.UniqueContacts)
	return g, err
}

func btoi(b bool) int {
	if b {
		return 1
	}
	return 0
}
