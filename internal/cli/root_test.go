package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var configEnv = []string{
	"TELEGRAM_BOT_TOKEN", "TELEGRAM_TARGET_GROUP_ID", "TELEGRAM_ADMIN_IDS",
	"LEDGER_BACKEND", "LEDGER_MAX_RETRIES", "LEDGER_RETRY_DELAY_SECONDS",
	"GOOGLE_SHEET_ID", "GOOGLE_SHEET_NAME", "GOOGLE_SERVICE_ACCOUNT_FILE_PATH",
	"LEDGER_SQLITE_PATH", "MAX_INACTIVE_HOURS", "CLEANUP_JOB_INTERVAL_MINUTES",
	"LOG_LEVEL", "DATA_DIR", "STATE_FILE", "DISPLAY_TIMEZONE", "METRICS_ADDR",
}

// executeCommand runs the root command with args and returns its combined output
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	for _, name := range configEnv {
		t.Setenv(name, "")
	}

	cmd := GetRootCmd()
	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(output)
	cmd.SetArgs(args)
	t.Cleanup(func() {
		resetFlags(cmd)
		cmd.SetArgs(nil)
	})

	err := cmd.Execute()
	return output.String(), err
}

// resetFlags restores every flag changed by a previous Execute, including the
// help and version flags cobra adds lazily, since the command tree is global.
func resetFlags(cmd *cobra.Command) {
	for _, fs := range []*pflag.FlagSet{cmd.Flags(), cmd.PersistentFlags()} {
		fs.VisitAll(func(f *pflag.Flag) {
			if f.Changed {
				_ = f.Value.Set(f.DefValue)
				f.Changed = false
			}
		})
	}
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// writeEnvFile writes a .env config into dir with DATA_DIR pointing at dir
func writeEnvFile(t *testing.T, dir string, lines ...string) string {
	t.Helper()
	lines = append([]string{"DATA_DIR=" + dir}, lines...)
	path := filepath.Join(dir, "livetrack.env")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0600))
	return path
}

func validEnv(dir string) []string {
	return []string{
		"TELEGRAM_BOT_TOKEN=123456:ABCdefGHIjklMNOpqrSTUvwxYZ",
		"TELEGRAM_TARGET_GROUP_ID=-100123",
		"TELEGRAM_ADMIN_IDS=42",
		"LEDGER_BACKEND=sqlite",
		"LEDGER_SQLITE_PATH=" + filepath.Join(dir, "ledger.db"),
		"DISPLAY_TIMEZONE=UTC",
	}
}

func TestRootCommand(t *testing.T) {
	t.Run("version flag", func(t *testing.T) {
		output, err := executeCommand(t, "--version")
		require.NoError(t, err)

		assert.Contains(t, output, "livetrack version")
		assert.Contains(t, output, GetVersion())
	})

	t.Run("help flag", func(t *testing.T) {
		output, err := executeCommand(t, "--help")
		require.NoError(t, err)

		assert.Contains(t, output, "livetrack")
		assert.Contains(t, output, "live location")
	})

	t.Run("global flags", func(t *testing.T) {
		cmd := GetRootCmd()

		configFlag := cmd.PersistentFlags().Lookup("config")
		require.NotNil(t, configFlag)
		assert.Equal(t, "", configFlag.DefValue)

		logLevelFlag := cmd.PersistentFlags().Lookup("log-level")
		require.NotNil(t, logLevelFlag)
		assert.Equal(t, "", logLevelFlag.DefValue)
	})

	t.Run("invalid log level", func(t *testing.T) {
		dir := t.TempDir()
		path := writeEnvFile(t, dir, validEnv(dir)...)

		_, err := executeCommand(t, "status", "--config", path, "--log-level", "loud")
		assert.Error(t, err)
	})
}

func TestFlagsResetBetweenRuns(t *testing.T) {
	dir := t.TempDir()
	path := writeEnvFile(t, dir, validEnv(dir)...)

	t.Run("help", func(t *testing.T) {
		output, err := executeCommand(t, "stop", "--help", "--timeout", "5")
		require.NoError(t, err)
		assert.Contains(t, output, "Stop the livetrack daemon service gracefully.")
	})

	t.Run("run after help", func(t *testing.T) {
		output, err := executeCommand(t, "stop", "--config", path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not running")
		assert.NotContains(t, output, "Usage:")
		assert.Equal(t, 30, stopTimeout)
	})

	t.Run("root help after subcommand", func(t *testing.T) {
		output, err := executeCommand(t, "--help")
		require.NoError(t, err)
		assert.Contains(t, output, "live location")
		assert.Empty(t, cfgFile)
	})
}

func TestGetVersion(t *testing.T) {
	version := GetVersion()
	assert.NotEmpty(t, version)
	assert.True(t, strings.HasPrefix(version, "0."))
}
