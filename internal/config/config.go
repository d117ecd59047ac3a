package config

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"time"
)

// Ledger backends
const (
	LedgerSheets = "sheets"
	LedgerSQLite = "sqlite"
)

// Config represents the main configuration structure
type Config struct {
	Telegram        TelegramConfig `json:"telegram" mapstructure:"telegram"`
	Ledger          LedgerConfig   `json:"ledger" mapstructure:"ledger"`
	Tracking        TrackingConfig `json:"tracking" mapstructure:"tracking"`
	Logging         LoggingConfig  `json:"logging" mapstructure:"logging"`
	DataDir         string         `json:"data_dir" mapstructure:"data_dir"`
	StateFile       string         `json:"state_file" mapstructure:"state_file"`
	DisplayTimezone string         `json:"display_timezone" mapstructure:"display_timezone"`
	MetricsAddr     string         `json:"metrics_addr" mapstructure:"metrics_addr"`
}

// TelegramConfig holds Telegram bot configuration
type TelegramConfig struct {
	BotToken      string `json:"bot_token" mapstructure:"bot_token"`
	TargetGroupID int64  `json:"target_group_id" mapstructure:"target_group_id"`
	// AdminIDs is filled by the loader, which tolerates bad entries.
	AdminIDs []int64 `json:"admin_ids" mapstructure:"-"`
}

// IsAdmin reports whether id may use the bot commands
func (t TelegramConfig) IsAdmin(id int64) bool {
	for _, admin := range t.AdminIDs {
		if admin == id {
			return true
		}
	}
	return false
}

// LedgerConfig selects and configures the ledger backend
type LedgerConfig struct {
	Backend           string       `json:"backend" mapstructure:"backend"`
	MaxRetries        int          `json:"max_retries" mapstructure:"max_retries"`
	RetryDelaySeconds int          `json:"retry_delay_seconds" mapstructure:"retry_delay_seconds"`
	Sheets            SheetsConfig `json:"sheets" mapstructure:"sheets"`
	SQLite            SQLiteConfig `json:"sqlite" mapstructure:"sqlite"`
}

// RetryDelay returns the wait between ledger attempts
func (l LedgerConfig) RetryDelay() time.Duration {
	return time.Duration(l.RetryDelaySeconds) * time.Second
}

// SheetsConfig holds the Google Sheets ledger settings
type SheetsConfig struct {
	SpreadsheetID     string `json:"spreadsheet_id" mapstructure:"spreadsheet_id"`
	SheetName         string `json:"sheet_name" mapstructure:"sheet_name"`
	CredentialsFile   string `json:"credentials_file" mapstructure:"credentials_file"`
	RequestsPerMinute int    `json:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// SQLiteConfig holds the local ledger settings
type SQLiteConfig struct {
	Path  string `json:"path" mapstructure:"path"`
	Table string `json:"table" mapstructure:"table"`
}

// TrackingConfig holds session lifetime settings
type TrackingConfig struct {
	MaxInactiveHours int `json:"max_inactive_hours" mapstructure:"max_inactive_hours"`
	// CleanupIntervalMinutes is nil when unset; the interval is then derived
	// from the threshold. Zero or less disables the sweep.
	CleanupIntervalMinutes *int `json:"cleanup_interval_minutes,omitempty" mapstructure:"-"`
}

// InactiveThreshold returns how long a session may go without updates
func (t TrackingConfig) InactiveThreshold() time.Duration {
	return time.Duration(t.MaxInactiveHours) * time.Hour
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Ledger: LedgerConfig{
			Backend:           LedgerSheets,
			MaxRetries:        2,
			RetryDelaySeconds: 5,
			Sheets: SheetsConfig{
				RequestsPerMinute: 60,
			},
			SQLite: SQLiteConfig{
				Table: "sessions",
			},
		},
		Tracking: TrackingConfig{
			MaxInactiveHours: 9,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		DisplayTimezone: "America/Sao_Paulo",
	}
}

// StatePath returns the snapshot file location
func (c *Config) StatePath() string {
	if c.StateFile == "" || filepath.IsAbs(c.StateFile) || c.DataDir == "" {
		return c.StateFile
	}
	return filepath.Join(c.DataDir, c.StateFile)
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	if masked.Telegram.BotToken != "" {
		masked.Telegram.BotToken = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate checks that every essential setting is present. All problems are
// reported together.
func (c *Config) Validate() error {
	if errs := NewValidator().ValidateConfig(c); len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
