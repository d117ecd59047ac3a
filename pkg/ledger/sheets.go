package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

const sheetsBackendName = "sheets"

// DefaultSheetsRequestsPerMinute stays under the per-user Sheets quota.
const DefaultSheetsRequestsPerMinute = 60

// SheetsConfig locates the worksheet used as the ledger.
type SheetsConfig struct {
	SpreadsheetID     string
	SheetName         string
	CredentialsFile   string
	RequestsPerMinute int
	// ClientOptions are appended after the credential options, mostly for tests.
	ClientOptions []option.ClientOption
}

type sheetsBackend struct {
	svc     *sheets.Service
	cfg     SheetsConfig
	limiter *rate.Limiter
}

// SheetsConnector returns a Connector for a Google Sheets worksheet. The
// rate limiter is shared by every handle the connector produces.
func SheetsConnector(cfg SheetsConfig, logger zerolog.Logger) Connector {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = DefaultSheetsRequestsPerMinute
	}
	limiter := rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), rpm/10+1)

	return func(ctx context.Context) (Backend, error) {
		if cfg.SpreadsheetID == "" || cfg.SheetName == "" {
			return nil, Permanent(sheetsBackendName, 0, errors.New("spreadsheet id and sheet name are required"))
		}

		var opts []option.ClientOption
		if cfg.CredentialsFile != "" {
			if _, err := os.Stat(cfg.CredentialsFile); err != nil {
				return nil, Permanent(sheetsBackendName, 0, fmt.Errorf("credentials file: %w", err))
			}
			opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		}
		opts = append(opts, option.WithScopes(sheets.SpreadsheetsScope))
		opts = append(opts, cfg.ClientOptions...)

		svc, err := sheets.NewService(ctx, opts...)
		if err != nil {
			return nil, Permanent(sheetsBackendName, 0, fmt.Errorf("failed to create sheets client: %w", err))
		}

		b := &sheetsBackend{svc: svc, cfg: cfg, limiter: limiter}

		header, err := b.header(ctx)
		if err != nil {
			return nil, err
		}
		if missing := MissingColumns(header); len(missing) > 0 {
			return nil, Permanent(sheetsBackendName, 0, fmt.Errorf("sheet %q is missing required columns: %s",
				cfg.SheetName, strings.Join(missing, ", ")))
		}

		logger.Debug().
			Str("spreadsheet_id", cfg.SpreadsheetID).
			Str("sheet", cfg.SheetName).
			Strs("header", header).
			Msg("Sheets ledger validated")
		return b, nil
	}
}

func (b *sheetsBackend) Name() string { return sheetsBackendName }

func (b *sheetsBackend) Probe(ctx context.Context) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := b.svc.Spreadsheets.Values.Get(b.cfg.SpreadsheetID, b.rangeOf("A1")).
		ValueRenderOption("FORMATTED_VALUE").
		Context(ctx).
		Do()
	return classifySheetsError(err)
}

func (b *sheetsBackend) Append(ctx context.Context, values []any) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := b.svc.Spreadsheets.Values.Append(
		b.cfg.SpreadsheetID,
		b.rangeOf("A1"),
		&sheets.ValueRange{Values: [][]interface{}{values}},
	).
		ValueInputOption("USER_ENTERED").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	return classifySheetsError(err)
}

func (b *sheetsBackend) Rows(ctx context.Context) ([][]string, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := b.svc.Spreadsheets.Values.Get(b.cfg.SpreadsheetID, quoteSheet(b.cfg.SheetName)).
		Context(ctx).
		Do()
	if err != nil {
		return nil, classifySheetsError(err)
	}
	return stringRows(resp.Values), nil
}

func (b *sheetsBackend) Close() error { return nil }

func (b *sheetsBackend) header(ctx context.Context) ([]string, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := b.svc.Spreadsheets.Values.Get(b.cfg.SpreadsheetID, b.rangeOf("1:1")).
		Context(ctx).
		Do()
	if err != nil {
		return nil, classifySheetsError(err)
	}
	rows := stringRows(resp.Values)
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func (b *sheetsBackend) rangeOf(cells string) string {
	return quoteSheet(b.cfg.SheetName) + "!" + cells
}

func quoteSheet(name string) string {
	return "'" + strings.ReplaceAll(name, "'", "''") + "'"
}

func stringRows(values [][]interface{}) [][]string {
	rows := make([][]string, 0, len(values))
	for _, row := range values {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = fmt.Sprint(v)
		}
		rows = append(rows, cells)
	}
	return rows
}

// classifySheetsError maps API status codes onto ledger errors. Rate limiting
// and server-side unavailability are transient; other API errors are
// permanent. Non-API errors are returned unchanged.
func classifySheetsError(err error) error {
	if err == nil {
		return nil
	}

	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return err
	}

	switch gerr.Code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusServiceUnavailable:
		return Transient(sheetsBackendName, gerr.Code, err)
	default:
		return Permanent(sheetsBackendName, gerr.Code, err)
	}
}
