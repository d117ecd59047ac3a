package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var telegramTokenPattern = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]+$`)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateTelegramToken validates a Telegram bot token
func (v *Validator) ValidateTelegramToken(token string) error {
	if token == "" {
		return fmt.Errorf("telegram bot token cannot be empty")
	}

	// Telegram bot tokens have format: <bot_id>:<token>
	if !telegramTokenPattern.MatchString(token) {
		return fmt.Errorf("invalid Telegram bot token format")
	}

	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if strings.ToLower(level) == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateLedgerBackend validates the ledger backend name
func (v *Validator) ValidateLedgerBackend(backend string) error {
	switch backend {
	case LedgerSheets, LedgerSQLite:
		return nil
	}
	return fmt.Errorf("invalid ledger backend: %q (must be one of: %s, %s)", backend, LedgerSheets, LedgerSQLite)
}

// ValidateTimezone checks that name is a loadable IANA zone
func (v *Validator) ValidateTimezone(name string) error {
	if name == "" {
		return nil // Use default
	}
	if _, err := time.LoadLocation(name); err != nil {
		return fmt.Errorf("invalid display timezone %q: %w", name, err)
	}
	return nil
}

// ValidateConfig performs comprehensive validation and returns every problem found
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	// Essentials
	if cfg.Telegram.BotToken == "" {
		errors = append(errors, fmt.Errorf("TELEGRAM_BOT_TOKEN is not configured"))
	} else if err := v.ValidateTelegramToken(cfg.Telegram.BotToken); err != nil {
		errors = append(errors, err)
	}
	if cfg.Telegram.TargetGroupID == 0 {
		errors = append(errors, fmt.Errorf("TELEGRAM_TARGET_GROUP_ID is not configured or invalid"))
	}

	// Ledger
	if err := v.ValidateLedgerBackend(cfg.Ledger.Backend); err != nil {
		errors = append(errors, err)
	}
	switch cfg.Ledger.Backend {
	case LedgerSheets:
		if cfg.Ledger.Sheets.SpreadsheetID == "" {
			errors = append(errors, fmt.Errorf("GOOGLE_SHEET_ID is not configured"))
		}
		if cfg.Ledger.Sheets.SheetName == "" {
			errors = append(errors, fmt.Errorf("GOOGLE_SHEET_NAME is not configured"))
		}
		if cfg.Ledger.Sheets.CredentialsFile == "" {
			errors = append(errors, fmt.Errorf("GOOGLE_SERVICE_ACCOUNT_FILE_PATH is not configured"))
		}
		if cfg.Ledger.Sheets.RequestsPerMinute < 0 {
			errors = append(errors, fmt.Errorf("ledger.sheets.requests_per_minute must be >= 0"))
		}
	case LedgerSQLite:
		if cfg.Ledger.SQLite.Path == "" {
			errors = append(errors, fmt.Errorf("LEDGER_SQLITE_PATH is not configured"))
		}
	}
	if cfg.Ledger.MaxRetries < 0 {
		errors = append(errors, fmt.Errorf("LEDGER_MAX_RETRIES must be >= 0"))
	}
	if cfg.Ledger.RetryDelaySeconds < 0 {
		errors = append(errors, fmt.Errorf("LEDGER_RETRY_DELAY_SECONDS must be >= 0"))
	}

	// Tracking
	if cfg.Tracking.MaxInactiveHours <= 0 {
		errors = append(errors, fmt.Errorf("MAX_INACTIVE_HOURS must be positive, got %d", cfg.Tracking.MaxInactiveHours))
	}

	if cfg.StateFile == "" {
		errors = append(errors, fmt.Errorf("state file path is empty"))
	}
	if err := v.ValidateTimezone(cfg.DisplayTimezone); err != nil {
		errors = append(errors, err)
	}

	// Validate logging
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
