package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"autoreply/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAccountLifecycle(t *testing.T) {
	s := newTestStore(t)

	id, err := s.CreateAccount("Loja Centro", "")
	require.NoError(t, err)

	a, err := s.GetAccount(id)
	require.NoError(t, err)
	require.Equal(t, "Loja Centro", a.Name)
	require.Equal(t, model.StatusDisconnected, a.Status)

	exists, err := s.AccountExists(id)
	require.NoError(t, err)
	require.True(t, exists)

	phone := "5511999990000"
	require.NoError(t, s.UpdateStatus(id, model.StatusReady, &phone))
	a, err = s.GetAccount(id)
	require.NoError(t, err)
	require.Equal(t, model.StatusReady, a.Status)
	require.Equal(t, phone, a.Phone)

	// An empty phone update must not erase the bound number.
	empty := ""
	require.NoError(t, s.UpdateStatus(id, model.StatusDisconnected, &empty))
	a, err = s.GetAccount(id)
	require.NoError(t, err)
	require.Equal(t, phone, a.Phone)

	require.NoError(t, s.UpdateAccount(id, "Loja Norte", phone))
	list, err := s.ListAccounts()
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "Loja Norte", list[0].Name)

	require.NoError(t, s.DeleteAccount(id))
	_, err = s.GetAccount(id)
	require.ErrorIs(t, err, model.ErrAccountNotFound)
}

func TestGetAccountUnknown(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetAccount("nope")
	require.ErrorIs(t, err, model.ErrAccountNotFound)
}

func TestConfigRoundTrip(t *testing.T) {
	s := newTestStore(t)
	id, err := s.CreateAccount("acc", "")
	require.NoError(t, err)

	// Without configured overrides, CreateAccount seeds the built-ins.
	cfg, err := s.GetConfig(id)
	require.NoError(t, err)
	require.Equal(t, model.DefaultRuntimeConfig(), cfg)

	// No row at all also yields the defaults.
	cfg, err = s.GetConfig("unknown")
	require.NoError(t, err)
	require.Equal(t, model.DefaultRuntimeConfig(), cfg)

	cfg.MinReadSec = 1
	cfg.MaxReadSec = 3
	cfg.IgnorePercent = 40
	cfg.MediaEnabled = true
	cfg.ProxyHost = "10.0.0.1"
	cfg.ProxyPort = 1080
	require.NoError(t, s.PutConfig(id, cfg))

	got, err := s.GetConfig(id)
	require.NoError(t, err)
	require.Equal(t, cfg, got)
}

func TestConfiguredDefaultsSeedNewAccounts(t *testing.T) {
	s := newTestStore(t)

	defaults := model.DefaultRuntimeConfig()
	defaults.MinReadSec = 1
	defaults.MaxReadSec = 1
	defaults.IgnorePercent = 5
	require.NoError(t, s.SetRuntimeDefaults(defaults))

	// A fresh account gets the configured defaults, not the built-ins.
	id, err := s.CreateAccount("acc", "")
	require.NoError(t, err)
	cfg, err := s.GetConfig(id)
	require.NoError(t, err)
	require.Equal(t, defaults, cfg)

	// So does the no-row fallback.
	cfg, err = s.GetConfig("unknown")
	require.NoError(t, err)
	require.Equal(t, defaults, cfg)

	// Invalid defaults are rejected and the previous ones stay in force.
	bad := defaults
	bad.MinReadSec = 9
	require.ErrorIs(t, s.SetRuntimeDefaults(bad), model.ErrConfigInvalid)
	cfg, err = s.GetConfig(id)
	require.NoError(t, err)
	require.Equal(t, defaults, cfg)
}

func TestPutConfigRejectsInvalid(t *testing.T) {
	s := newTestStore(t)
	id, err := s.CreateAccount("acc", "")
	require.NoError(t, err)

	cfg := model.DefaultRuntimeConfig()
	cfg.MinReadSec = 9
	cfg.MaxReadSec = 2
	require.ErrorIs(t, s.PutConfig(id, cfg), model.ErrConfigInvalid)

	// The stored row is untouched.
	got, err := s.GetConfig(id)
	require.NoError(t, err)
	require.Equal(t, model.DefaultRuntimeConfig(), got)
}

func TestTemplates(t *testing.T) {
	s := newTestStore(t)
	id, err := s.CreateAccount("acc", "")
	require.NoError(t, err)

	t1, err := s.CreateTemplate(id, model.TemplateFirst, "Olá {name}!", true)
	require.NoError(t, err)
	t2, err := s.CreateTemplate(id, model.TemplateFirst, "Oi {name}", false)
	require.NoError(t, err)
	_, err = s.CreateTemplate(id, model.TemplateGroup, "Olá {group}", true)
	require.NoError(t, err)

	_, err = s.CreateTemplate(id, "greeting", "x", true)
	require.Error(t, err)

	all, err := s.ListTemplates(id, "", false)
	require.NoError(t, err)
	require.Len(t, all, 3)

	firsts, err := s.ListTemplates(id, model.TemplateFirst, true)
	require.NoError(t, err)
	require.Len(t, firsts, 1)
	require.Equal(t, t1, firsts[0].ID)

	n, err := s.ToggleTemplate(t2, true)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	firsts, err = s.ListTemplates(id, model.TemplateFirst, true)
	require.NoError(t, err)
	require.Len(t, firsts, 2)

	n, err = s.ToggleTemplate("missing", false)
	require.NoError(t, err)
	require.EqualValues(t, 0, n)

	require.NoError(t, s.DeleteTemplate(t1))
	all, err = s.ListTemplates(id, "", false)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestStatsCounters(t *testing.T) {
	s := newTestStore(t)
	id, err := s.CreateAccount("acc", "")
	require.NoError(t, err)

	require.NoError(t, s.IncrementStats(id, model.StatsDelta{Sent: 2, Received: 1}))
	require.NoError(t, s.IncrementStats(id, model.StatsDelta{Sent: 3, UniqueContacts: 4}))
	// Unique contacts arrive as absolute values; a lower report never shrinks it.
	require.NoError(t, s.IncrementStats(id, model.StatsDelta{UniqueContacts: 2}))

	start := time.Now().Truncate(time.Second)
	require.NoError(t, s.MarkUptimeStart(id, start))

	st, err := s.GetStats(id)
	require.NoError(t, err)
	require.EqualValues(t, 5, st.Sent)
	require.EqualValues(t, 1, st.Received)
	require.EqualValues(t, 4, st.UniqueContacts)
	require.NotNil(t, st.UptimeStart)
}

func TestGlobalStats(t *testing.T) {
	s := newTestStore(t)
	a, err := s.CreateAccount("a", "")
	require.NoError(t, err)
	b, err := s.CreateAccount("b", "")
	require.NoError(t, err)

	require.NoError(t, s.UpdateStatus(a, model.StatusReady, nil))
	require.NoError(t, s.IncrementStats(a, model.StatsDelta{Sent: 2, Received: 1, UniqueContacts: 2}))
	require.NoError(t, s.IncrementStats(b, model.StatsDelta{Sent: 1, UniqueContacts: 1}))

	g, err := s.GlobalStats()
	require.NoError(t, err)
	require.EqualValues(t, 3, g.Sent)
	require.EqualValues(t, 1, g.Received)
	require.EqualValues(t, 3, g.UniqueContacts)
	require.EqualValues(t, 1, g.AccountsByStatus[model.StatusReady])
	require.EqualValues(t, 1, g.AccountsByStatus[model.StatusDisconnected])
}

func TestDeleteAccountCascades(t *testing.T) {
	s := newTestStore(t)
	id, err := s.CreateAccount("acc", "")
	require.NoError(t, err)
	_, err = s.CreateTemplate(id, model.TemplateFirst, "Olá", true)
	require.NoError(t, err)
	require.NoError(t, s.IncrementStats(id, model.StatsDelta{Sent: 1}))

	require.NoError(t, s.DeleteAccount(id))

	for _, table := range []string{"account_configs", "message_templates", "account_stats"} {
		var n int
		require.NoError(t, s.DB.QueryRow(`SELECT COUNT(1) FROM `+table+` WHERE account_id=?`, id).Scan(&n))
		require.Zero(t, n, table)
	}
}
