package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const sqliteBackendName = "sqlite"

// DefaultSQLiteTable is the table used when SQLiteConfig.Table is empty.
const DefaultSQLiteTable = "sessions"

// SQLiteConfig locates a local ledger database.
type SQLiteConfig struct {
	Path  string
	Table string
}

type sqliteBackend struct {
	db    *sql.DB
	table string
}

// SQLiteConnector returns a Connector for a local SQLite ledger. The table is
// created on first connect with the same columns as the remote ledger.
func SQLiteConnector(cfg SQLiteConfig, logger zerolog.Logger) Connector {
	table := cfg.Table
	if table == "" {
		table = DefaultSQLiteTable
	}

	return func(ctx context.Context) (Backend, error) {
		if cfg.Path == "" {
			return nil, Permanent(sqliteBackendName, 0, errors.New("database path is required"))
		}

		db, err := sql.Open("sqlite3", cfg.Path+"?_busy_timeout=5000")
		if err != nil {
			return nil, Permanent(sqliteBackendName, 0, fmt.Errorf("failed to open database: %w", err))
		}

		// Enable WAL mode so report reads do not block appends
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, classifySQLiteError(fmt.Errorf("failed to enable WAL mode: %w", err))
		}

		b := &sqliteBackend{db: db, table: table}
		if err := b.initSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}

		header, err := b.header(ctx)
		if err != nil {
			db.Close()
			return nil, err
		}
		if missing := MissingColumns(header); len(missing) > 0 {
			db.Close()
			return nil, Permanent(sqliteBackendName, 0, fmt.Errorf("table %q is missing required columns: %s",
				table, strings.Join(missing, ", ")))
		}

		logger.Debug().Str("path", cfg.Path).Str("table", table).Msg("SQLite ledger validated")
		return b, nil
	}
}

func (b *sqliteBackend) initSchema(ctx context.Context) error {
	cols := make([]string, len(Columns))
	for i, col := range Columns {
		typ := "TEXT"
		if col == ColUserID || col == ColDurationSeconds {
			typ = "INTEGER"
		}
		cols[i] = fmt.Sprintf("%s %s NOT NULL", quoteIdent(col), typ)
	}

	query := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (id INTEGER PRIMARY KEY AUTOINCREMENT, %s)",
		quoteIdent(b.table), strings.Join(cols, ", "))
	if _, err := b.db.ExecContext(ctx, query); err != nil {
		return classifySQLiteError(fmt.Errorf("failed to initialize schema: %w", err))
	}
	return nil
}

func (b *sqliteBackend) Name() string { return sqliteBackendName }

func (b *sqliteBackend) Probe(ctx context.Context) error {
	return classifySQLiteError(b.db.PingContext(ctx))
}

func (b *sqliteBackend) Append(ctx context.Context, values []any) error {
	if len(values) != len(Columns) {
		return Permanent(sqliteBackendName, 0, fmt.Errorf("expected %d values, got %d", len(Columns), len(values)))
	}

	cols := make([]string, len(Columns))
	marks := make([]string, len(Columns))
	for i, col := range Columns {
		cols[i] = quoteIdent(col)
		marks[i] = "?"
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(b.table), strings.Join(cols, ", "), strings.Join(marks, ", "))
	_, err := b.db.ExecContext(ctx, query, values...)
	return classifySQLiteError(err)
}

func (b *sqliteBackend) Rows(ctx context.Context) ([][]string, error) {
	cols := make([]string, len(Columns))
	for i, col := range Columns {
		cols[i] = quoteIdent(col)
	}

	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY id", strings.Join(cols, ", "), quoteIdent(b.table))
	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, classifySQLiteError(err)
	}
	defer rows.Close()

	header, err := rows.Columns()
	if err != nil {
		return nil, classifySQLiteError(err)
	}

	out := [][]string{header}
	for rows.Next() {
		cells := make([]sql.NullString, len(header))
		dest := make([]any, len(header))
		for i := range cells {
			dest[i] = &cells[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, classifySQLiteError(err)
		}

		row := make([]string, len(header))
		for i, c := range cells {
			row[i] = c.String
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLiteError(err)
	}
	return out, nil
}

func (b *sqliteBackend) Close() error {
	return b.db.Close()
}

func (b *sqliteBackend) header(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT 0", quoteIdent(b.table)))
	if err != nil {
		return nil, classifySQLiteError(err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, classifySQLiteError(err)
	}
	return cols, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// classifySQLiteError treats lock contention as transient and every other
// engine error as permanent. Non-engine errors are returned unchanged.
func classifySQLiteError(err error) error {
	if err == nil {
		return nil
	}

	var serr sqlite3.Error
	if !errors.As(err, &serr) {
		return err
	}

	switch serr.Code {
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		return Transient(sqliteBackendName, int(serr.Code), err)
	default:
		return Permanent(sqliteBackendName, int(serr.Code), err)
	}
}
