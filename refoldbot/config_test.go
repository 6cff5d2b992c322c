package refoldbot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	require.NotNil(t, cfg.Accountability)
	assert.Equal(t, DefaultDailyThreadHour, cfg.Accountability.DailyHour)
	assert.Equal(t, DefaultWeeklyThreadDay, cfg.Accountability.WeeklyDay)
}

func TestConfigValidate(t *testing.T) {
	t.Run("database type", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.DatabaseType = "mysql"
		assert.ErrorContains(t, cfg.Validate(), "invalid database type")
	})

	t.Run("poll interval", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Scheduler.PollInterval = 0
		assert.ErrorContains(t, cfg.Validate(), "poll_interval must be positive")
	})

	t.Run("api token hash", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.API.Enabled = true
		assert.ErrorContains(t, cfg.Validate(), "token_hash must be set")
	})

	t.Run("accountability hours", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Accountability.DailyHour = 24
		assert.ErrorContains(t, cfg.Validate(), "hours must be 0-23")
	})

	t.Run("accountability minutes", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Accountability.WeeklyMinute = 60
		assert.ErrorContains(t, cfg.Validate(), "minutes must be 0-59")
	})

	t.Run("accountability weekly day", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Accountability.WeeklyDay = 7
		assert.ErrorContains(t, cfg.Validate(), "weekly_day must be 0 (Monday)")
	})
}
