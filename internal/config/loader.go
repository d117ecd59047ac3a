package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// DotEnvFile is picked up from the working directory when no config path is given
const DotEnvFile = ".env"

// envBinding maps a config key to the environment variable that sets it
type envBinding struct {
	key string
	env string
}

var envBindings = []envBinding{
	{"telegram.bot_token", "TELEGRAM_BOT_TOKEN"},
	{"telegram.target_group_id", "TELEGRAM_TARGET_GROUP_ID"},
	{"telegram.admin_ids", "TELEGRAM_ADMIN_IDS"},
	{"ledger.backend", "LEDGER_BACKEND"},
	{"ledger.max_retries", "LEDGER_MAX_RETRIES"},
	{"ledger.retry_delay_seconds", "LEDGER_RETRY_DELAY_SECONDS"},
	{"ledger.sheets.spreadsheet_id", "GOOGLE_SHEET_ID"},
	{"ledger.sheets.sheet_name", "GOOGLE_SHEET_NAME"},
	{"ledger.sheets.credentials_file", "GOOGLE_SERVICE_ACCOUNT_FILE_PATH"},
	{"ledger.sqlite.path", "LEDGER_SQLITE_PATH"},
	{"tracking.max_inactive_hours", "MAX_INACTIVE_HOURS"},
	{"tracking.cleanup_interval_minutes", "CLEANUP_JOB_INTERVAL_MINUTES"},
	{"logging.level", "LOG_LEVEL"},
	{"data_dir", "DATA_DIR"},
	{"state_file", "STATE_FILE"},
	{"display_timezone", "DISPLAY_TIMEZONE"},
	{"metrics_addr", "METRICS_ADDR"},
}

// Loader handles configuration loading
type Loader struct {
	configPath string
	warnings   []string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads the config file, if any, then applies environment variables on top.
func (l *Loader) Load() (*Config, error) {
	l.warnings = nil

	v := viper.New()
	for _, b := range envBindings {
		if err := v.BindEnv(b.key, b.env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", b.env, err)
		}
	}

	configPath := l.GetConfigPath()
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if err := readConfigFile(v, configPath); err != nil {
				return nil, err
			}
		} else if l.configPath != "" {
			// An explicit path that does not exist is not an error; env may carry everything.
			l.warn("config file %s not found, using environment only", configPath)
		}
	}

	l.fallbackMaxInactiveHours(v)

	// Unmarshal into config struct
	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Telegram.AdminIDs = l.parseAdminIDs(v.Get("telegram.admin_ids"))
	if len(cfg.Telegram.AdminIDs) == 0 {
		l.warn("no admin ids configured, commands will be ignored")
	}

	if v.IsSet("tracking.cleanup_interval_minutes") {
		minutes, err := cast.ToIntE(v.Get("tracking.cleanup_interval_minutes"))
		if err != nil {
			return nil, fmt.Errorf("invalid CLEANUP_JOB_INTERVAL_MINUTES: %w", err)
		}
		cfg.Tracking.CleanupIntervalMinutes = &minutes
	}

	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Ledger.Backend = strings.ToLower(strings.TrimSpace(cfg.Ledger.Backend))

	// Set data directory if not specified
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".livetrack")
	}

	if cfg.StateFile == "" {
		cfg.StateFile = "active_shares_state.json"
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "livetrack.log")
	}
	if cfg.Logging.AuditFile == "" {
		cfg.Logging.AuditFile = filepath.Join(cfg.DataDir, "audit.log")
	}
	if cfg.Ledger.SQLite.Path == "" {
		cfg.Ledger.SQLite.Path = filepath.Join(cfg.DataDir, "ledger.db")
	}

	return cfg, nil
}

// Warnings returns the non-fatal problems found by the last Load
func (l *Loader) Warnings() []string {
	return l.warnings
}

// GetConfigPath returns the config file path. Without an explicit path a
// .env file in the working directory is used, then ~/.livetrack/livetrack.json.
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	if _, err := os.Stat(DotEnvFile); err == nil {
		return DotEnvFile
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".livetrack", "livetrack.json")
}

// fallbackMaxInactiveHours replaces a non-numeric MAX_INACTIVE_HOURS with the
// default so a typo does not keep the daemon from starting.
func (l *Loader) fallbackMaxInactiveHours(v *viper.Viper) {
	const key = "tracking.max_inactive_hours"
	if !v.IsSet(key) {
		return
	}

	raw := v.Get(key)
	if str, ok := raw.(string); ok {
		raw = strings.TrimSpace(str)
	}
	hours, err := cast.ToIntE(raw)
	if err != nil {
		hours = DefaultConfig().Tracking.MaxInactiveHours
		l.warn("invalid MAX_INACTIVE_HOURS %q, using default of %d", v.GetString(key), hours)
	}
	v.Set(key, hours)
}

func (l *Loader) warn(format string, args ...any) {
	l.warnings = append(l.warnings, fmt.Sprintf(format, args...))
}

// readConfigFile loads a json config directly. A dotenv file uses the
// environment variable names, so each one is mapped onto its key beneath the
// real environment.
func readConfigFile(v *viper.Viper, path string) error {
	if !isDotEnv(path) {
		v.SetConfigFile(path)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		return nil
	}

	file := viper.New()
	file.SetConfigFile(path)
	file.SetConfigType("env")
	if err := file.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read env file: %w", err)
	}
	for _, b := range envBindings {
		name := strings.ToLower(b.env)
		if file.IsSet(name) {
			v.SetDefault(b.key, file.Get(name))
		}
	}
	return nil
}

func isDotEnv(path string) bool {
	base := filepath.Base(path)
	return base == DotEnvFile || strings.HasSuffix(base, ".env")
}

// parseAdminIDs accepts a comma separated string or a list. Invalid ids are
// skipped with a warning.
func (l *Loader) parseAdminIDs(raw any) []int64 {
	if raw == nil {
		return nil
	}

	var ids []int64
	add := func(id int64) {
		for _, existing := range ids {
			if existing == id {
				return
			}
		}
		ids = append(ids, id)
	}

	if s, ok := raw.(string); ok {
		for _, part := range strings.Split(s, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				l.warn("ignoring invalid admin id %q", part)
				continue
			}
			add(id)
		}
		return ids
	}

	items, err := cast.ToSliceE(raw)
	if err != nil {
		l.warn("ignoring admin ids of unsupported type %T", raw)
		return nil
	}
	for _, item := range items {
		id, err := cast.ToInt64E(item)
		if err != nil || id == 0 {
			l.warn("ignoring invalid admin id %v", item)
			continue
		}
		add(id)
	}
	return ids
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
