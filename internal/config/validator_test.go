package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateTelegramToken(t *testing.T) {
	v := NewValidator()

	t.Run("valid token", func(t *testing.T) {
		err := v.ValidateTelegramToken("123456789:ABCdefGHIjklMNOpqrsTUVwxyz")
		assert.NoError(t, err)
	})

	t.Run("invalid format", func(t *testing.T) {
		err := v.ValidateTelegramToken("invalid-token")
		assert.Error(t, err)
	})

	t.Run("empty token", func(t *testing.T) {
		err := v.ValidateTelegramToken("")
		assert.Error(t, err)
	})
}

func TestValidateLogLevel(t *testing.T) {
	v := NewValidator()

	for _, level := range []string{"debug", "info", "warn", "error", "INFO"} {
		assert.NoError(t, v.ValidateLogLevel(level), level)
	}
	assert.Error(t, v.ValidateLogLevel("verbose"))
}

func TestValidateLedgerBackend(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateLedgerBackend("sheets"))
	assert.NoError(t, v.ValidateLedgerBackend("sqlite"))
	assert.Error(t, v.ValidateLedgerBackend("csv"))
	assert.Error(t, v.ValidateLedgerBackend(""))
}

func TestValidateTimezone(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateTimezone(""))
	assert.NoError(t, v.ValidateTimezone("America/Sao_Paulo"))
	assert.Error(t, v.ValidateTimezone("Mars/Olympus"))
}

func TestValidateConfig(t *testing.T) {
	v := NewValidator()

	t.Run("valid config", func(t *testing.T) {
		assert.Empty(t, v.ValidateConfig(validConfig()))
	})

	t.Run("collects all errors", func(t *testing.T) {
		cfg := validConfig()
		cfg.Telegram.BotToken = "nope"
		cfg.Ledger.MaxRetries = -1
		cfg.Ledger.RetryDelaySeconds = -1
		cfg.Logging.Level = "loud"

		assert.Len(t, v.ValidateConfig(cfg), 4)
	})
}
