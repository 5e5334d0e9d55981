package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/financehub/syncd/internal/entity"
)

// writeConfig writes a temp config file and returns its path.
func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

const validConfig = `
db_path = "/tmp/fh/sync.db"
credential_dir = "/tmp/fh/credentials"

[scheduler]
lookback_days = 5
retry_delay = "10m"

[[entity]]
type = "bank"
id = "shinhan"
enabled = true
time_of_day = "04:00"
table = "bank_transactions"
key_columns = ["trans_date", "amount", "merchant"]
duplicate_action = "skip"

[[entity]]
type = "card"
id = "samsung"
enabled = false
time_of_day = "05:30"
table = "card_transactions"
key_columns = ["trans_date", "amount", "merchant"]
duplicate_action = "update"
`

func TestLoad_ValidConfig(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/fh/sync.db", cfg.DBPath)
	assert.Equal(t, 5, cfg.Scheduler.LookbackDays)
	assert.Equal(t, "10m", cfg.Scheduler.RetryDelay)
	// Unset fields keep defaults.
	assert.Equal(t, defaultMaxRetries, cfg.Scheduler.MaxRetries)
	assert.Equal(t, defaultStuckThreshold, cfg.Scheduler.StuckThreshold)
	require.Len(t, cfg.Entities, 2)
	assert.Equal(t, "shinhan", cfg.Entities[0].ID)
}

func TestLoad_UnknownKeyFails(t *testing.T) {
	t.Parallel()

	_, err := Load(writeConfig(t, validConfig+"\nmax_retrys = 5\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown keys")
}

func TestLoad_ValidationErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "bad entity type",
			body: `[[entity]]
type = "crypto"
id = "x"
time_of_day = "04:00"
table = "t"
duplicate_action = "skip"`,
			want: "unknown entity type",
		},
		{
			name: "bad time of day",
			body: `[[entity]]
type = "bank"
id = "x"
time_of_day = "25:00"
table = "bank_transactions"
duplicate_action = "skip"`,
			want: "time_of_day",
		},
		{
			name: "bad duplicate action",
			body: `[[entity]]
type = "bank"
id = "x"
time_of_day = "04:00"
table = "bank_transactions"
duplicate_action = "merge"`,
			want: "duplicate_action",
		},
		{
			name: "duplicate entity",
			body: `[[entity]]
type = "bank"
id = "x"
time_of_day = "04:00"
table = "bank_transactions"
duplicate_action = "skip"

[[entity]]
type = "bank"
id = "X"
time_of_day = "04:10"
table = "bank_transactions"
duplicate_action = "skip"`,
			want: "duplicate entity",
		},
		{
			name: "bad duration",
			body: `[scheduler]
retry_delay = "five minutes"`,
			want: "retry_delay",
		},
		{
			name: "sql-unsafe table name",
			body: `[[entity]]
type = "bank"
id = "x"
time_of_day = "04:00"
table = "bank; DROP TABLE intents"
duplicate_action = "skip"`,
			want: "table",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	t.Parallel()

	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "nonexistent.toml"))
	require.NoError(t, err)
	assert.Equal(t, defaultLookbackDays, cfg.Scheduler.LookbackDays)
	assert.Empty(t, cfg.Entities)
}

func TestResolve(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	s, err := Resolve(cfg)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Minute, s.RetryDelay)
	assert.Equal(t, time.Hour, s.StuckThreshold)
	assert.Equal(t, 30*time.Second, s.SessionReleaseTimeout)
	require.Len(t, s.Entities, 2)

	e := s.Entities[0]
	assert.Equal(t, entity.NewKey(entity.TypeBank, "shinhan"), e.Key)
	assert.Equal(t, 4, e.Hour)
	assert.Equal(t, 0, e.Minute)
	assert.True(t, e.Enabled)

	e = s.Entities[1]
	assert.Equal(t, 5, e.Hour)
	assert.Equal(t, 30, e.Minute)
	assert.False(t, e.Enabled)
}

func TestResolve_NoEntities(t *testing.T) {
	t.Parallel()

	_, err := Resolve(DefaultConfig())
	require.ErrorIs(t, err, ErrNoEntities)
}
