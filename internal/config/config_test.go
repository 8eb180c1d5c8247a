package config

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/example/hermes-sync/internal/ledger"
	"github.com/example/hermes-sync/internal/remote"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("LEDGER_BACKEND", "")
	t.Setenv("REMOTE_BACKEND", "")
	t.Setenv("EXTRA_COLLECTIONS", " tasks, ,habits ")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "hermes-sync", cfg.AppName)
	require.Equal(t, LedgerBadger, cfg.LedgerBackend)
	require.Equal(t, RemoteMemory, cfg.RemoteBackend)
	require.Equal(t, 10*time.Second, cfg.ConfirmTimeout)
	require.Equal(t, []string{"tasks", "habits"}, cfg.Collections)
	require.False(t, cfg.SnapshotsEnabled())

	coll, id := cfg.SettingsLocation()
	require.Equal(t, "configuracoes", coll)
	require.Equal(t, "geral", id)

	coll, id = cfg.FinanceSettingsLocation()
	require.Equal(t, "finance_settings", coll)
	require.Equal(t, "config", id)
}

func TestLoadRejectsBadSettings(t *testing.T) {
	cases := map[string]map[string]string{
		"unknown ledger":    {"LEDGER_BACKEND": "sqlite"},
		"ws without url":    {"REMOTE_BACKEND": "ws"},
		"object no creds":   {"OBJECT_ENDPOINT": "localhost:9000"},
		"settings document": {"SETTINGS_DOCUMENT": "configuracoes"},
		"finance document":  {"FINANCE_SETTINGS_DOCUMENT": "finance_settings"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
		})
	}
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("UNDO_CAPACITY", "many")
	t.Setenv("TRIGGER_INTERVAL", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 10, cfg.UndoCapacity)
	require.Equal(t, 30*time.Second, cfg.TriggerInterval)
}

func TestLocation(t *testing.T) {
	cfg := Config{Timezone: "America/Sao_Paulo"}
	loc, err := cfg.Location()
	require.NoError(t, err)
	require.Equal(t, "America/Sao_Paulo", loc.String())

	_, err = Config{Timezone: "Mars/Olympus"}.Location()
	require.Error(t, err)
}

func TestResourcesInMemory(t *testing.T) {
	cfg := Config{LedgerBackend: LedgerMemory, RemoteBackend: RemoteMemory, SettingsDocument: "configuracoes/geral", ConfirmTimeout: time.Second}
	require.NoError(t, cfg.Validate())

	res, err := NewResources(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer res.Close()

	require.IsType(t, &ledger.Memory{}, res.Ledger)
	require.IsType(t, &remote.Memory{}, res.Remote)
	require.Nil(t, res.Snapshots)
	require.Nil(t, res.Redis)
}

func TestResourcesBadgerLedger(t *testing.T) {
	cfg := Config{LedgerBackend: LedgerBadger, LedgerPath: t.TempDir(), RemoteBackend: RemoteMemory}

	res, err := NewResources(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer res.Close()

	inserted, err := res.Ledger.Record(context.Background(), ledger.Entry{RuleID: "habits", PeriodKey: "2026-03-02"})
	require.NoError(t, err)
	require.True(t, inserted)
}
