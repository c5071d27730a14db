package model

import (
	"fmt"
	"time"
)

// Session status constants for lifecycle tracking.
const (
	StatusInitializing  = "initializing"
	StatusQRPending     = "qr_pending"
	StatusAuthenticated = "authenticated"
	StatusReady         = "ready"
	StatusDisconnected  = "disconnected"
	StatusDestroyed     = "destroyed"
)

// Template type tags. A template applies to exactly one conversation kind.
const (
	TemplateFirst    = "first"
	TemplateFollowup = "followup"
	TemplateGroup    = "group"
)

// Account represents a WhatsApp account managed by the system.
type Account struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Phone     string    `json:"phone" db:"phone"`
	Status    string    `json:"status" db:"status"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// RuntimeConfig holds the per-account tunables driving humanized dispatch.
// All delay bounds are seconds; MediaInterval means "media every Nth
// interaction".
type RuntimeConfig struct {
	ProxyHost string `json:"proxy_host" db:"proxy_host"`
	ProxyPort int    `json:"proxy_port" db:"proxy_port"`
	ProxyUser string `json:"proxy_user" db:"proxy_user"`
	ProxyPass string `json:"proxy_pass" db:"proxy_pass"`

	MinReadSec     int `json:"min_read_sec" db:"min_read_sec"`
	MaxReadSec     int `json:"max_read_sec" db:"max_read_sec"`
	MinTypingSec   int `json:"min_typing_sec" db:"min_typing_sec"`
	MaxTypingSec   int `json:"max_typing_sec" db:"max_typing_sec"`
	MinResponseSec int `json:"min_response_sec" db:"min_response_sec"`
	MaxResponseSec int `json:"max_response_sec" db:"max_response_sec"`

	MinMessageIntervalSec int `json:"min_message_interval_sec" db:"min_message_interval_sec"`

	IgnorePercent int  `json:"ignore_percent" db:"ignore_percent"`
	MediaEnabled  bool `json:"media_enabled" db:"media_enabled"`
	MediaInterval int  `json:"media_interval" db:"media_interval"`
}

// DefaultRuntimeConfig is applied to accounts without a stored config row.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		MinReadSec:            2,
		MaxReadSec:            8,
		MinTypingSec:          3,
		MaxTypingSec:          10,
		MinResponseSec:        5,
		MaxResponseSec:        20,
		MinMessageIntervalSec: 60,
		IgnorePercent:         15,
		MediaEnabled:          false,
		MediaInterval:         3,
	}
}

// Validate enforces the invariants of a runtime config: min <= max on every
// delay pair, ignore percent within [0,100], media interval >= 1.
func (c RuntimeConfig) Validate() error {
	pairs := []struct {
		name     string
		min, max int
	}{
		{"read", c.MinReadSec, c.MaxReadSec},
		{"typing", c.MinTypingSec, c.MaxTypingSec},
		{"response", c.MinResponseSec, c.MaxResponseSec},
	}
	for _, p := range pairs {
		if p.min < 0 {
			return fmt.Errorf("%w: %s delay min %d is negative", ErrConfigInvalid, p.name, p.min)
		}
		if p.min > p.max {
			return fmt.Errorf("%w: %s delay min %d > max %d", ErrConfigInvalid, p.name, p.min, p.max)
		}
	}
	if c.MinMessageIntervalSec < 0 {
		return fmt.Errorf("%w: message interval %d is negative", ErrConfigInvalid, c.MinMessageIntervalSec)
	}
	if c.IgnorePercent < 0 || c.IgnorePercent > 100 {
		return fmt.Errorf("%w: ignore percent %d out of [0,100]", ErrConfigInvalid, c.IgnorePercent)
	}
	if c.MediaInterval < 1 {
		return fmt.Errorf("%w: media interval %d < 1", ErrConfigInvalid, c.MediaInterval)
	}
	return nil
}

// Merge overlays the set fields of a partial update onto c and returns the
// result. Nil fields keep the current value.
func (c RuntimeConfig) Merge(p ConfigPatch) RuntimeConfig {
	if p.ProxyHost != nil {
		c.ProxyHost = *p.ProxyHost
	}
	if p.ProxyPort != nil {
		c.ProxyPort = *p.ProxyPort
	}
	if p.ProxyUser != nil {
		c.ProxyUser = *p.ProxyUser
	}
	if p.ProxyPass != nil {
		c.ProxyPass = *p.ProxyPass
	}
	if p.MinReadSec != nil {
		c.MinReadSec = *p.MinReadSec
	}
	if p.MaxReadSec != nil {
		c.MaxReadSec = *p.MaxReadSec
	}
	if p.MinTypingSec != nil {
		c.MinTypingSec = *p.MinTypingSec
	}
	if p.MaxTypingSec != nil {
		c.MaxTypingSec = *p.MaxTypingSec
	}
	if p.MinResponseSec != nil {
		c.MinResponseSec = *p.MinResponseSec
	}
	if p.MaxResponseSec != nil {
		c.MaxResponseSec = *p.MaxResponseSec
	}
	if p.MinMessageIntervalSec != nil {
		c.MinMessageIntervalSec = *p.MinMessageIntervalSec
	}
	if p.IgnorePercent != nil {
		c.IgnorePercent = *p.IgnorePercent
	}
	if p.MediaEnabled != nil {
		c.MediaEnabled = *p.MediaEnabled
	}
	if p.MediaInterval != nil {
		c.MediaInterval = *p.MediaInterval
	}
	return c
}

// ConfigPatch is a partial RuntimeConfig update for hot swaps.
type ConfigPatch struct {
	ProxyHost *string `json:"proxy_host"`
	ProxyPort *int    `json:"proxy_port"`
	ProxyUser *string `json:"proxy_user"`
	ProxyPass *string `json:"proxy_pass"`

	MinReadSec     *int `json:"min_read_sec"`
	MaxReadSec     *int `json:"max_read_sec"`
	MinTypingSec   *int `json:"min_typing_sec"`
	MaxTypingSec   *int `json:"max_typing_sec"`
	MinResponseSec *int `json:"min_response_sec"`
	MaxResponseSec *int `json:"max_response_sec"`

	MinMessageIntervalSec *int `json:"min_message_interval_sec"`

	IgnorePercent *int  `json:"ignore_percent"`
	MediaEnabled  *bool `json:"media_enabled"`
	MediaInterval *int  `json:"media_interval"`
}

// MessageTemplate is a custom response owned by an account. Text may carry
// {name} and {group} placeholder tokens.
type MessageTemplate struct {
	ID        string    `json:"id" db:"id"`
	AccountID string    `json:"account_id" db:"account_id"`
	Type      string    `json:"type" db:"type"`
	Text      string    `json:"text" db:"text"`
	Enabled   bool      `json:"enabled" db:"enabled"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Stats keeps the persisted per-account counters.
type Stats struct {
	AccountID      string     `json:"account_id" db:"account_id"`
	Sent           int64      `json:"sent" db:"sent"`
	Received       int64      `json:"received" db:"received"`
	UniqueContacts int64      `json:"unique_contacts" db:"unique_contacts"`
	UptimeStart    *time.Time `json:"uptime_start,omitempty" db:"uptime_start"`
}

// StatsDelta is an increment applied to an account's counters.
type StatsDelta struct {
	Sent           int64
	Received       int64
	UniqueContacts int64
}

// GlobalStats aggregates counters across all accounts.
type GlobalStats struct {
	AccountsByStatus map[string]int64 `json:"accounts_by_status"`
	Sent             int64            `json:"sent"`
	Received         int64            `json:"received"`
	UniqueContacts   int64            `json:"unique_contacts"`
}
