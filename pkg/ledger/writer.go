package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/livetrack/internal/observability"
	"github.com/harun/livetrack/internal/tracing"
	"github.com/harun/livetrack/pkg/timesource"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Defaults for Config.
const (
	DefaultMaxRetries = 2
	DefaultRetryDelay = 5 * time.Second
)

// Config bounds the writer's retry behaviour. MaxRetries+1 is the total
// number of attempts, both for acquiring a handle and for one append.
type Config struct {
	MaxRetries int
	RetryDelay time.Duration
}

// Writer hands completed records to a Backend, reconnecting and retrying
// transient failures within the configured bounds. Appends are not
// idempotent: a retry after an ambiguous failure may produce a duplicate row.
type Writer struct {
	connect Connector
	cfg     Config
	time    *timesource.Source
	logger  zerolog.Logger

	mu      sync.Mutex
	backend Backend
}

// NewWriter creates a Writer. No connection is made until first use.
func NewWriter(connect Connector, cfg Config, ts *timesource.Source, logger zerolog.Logger) *Writer {
	observability.EnsureRegistered()

	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if ts == nil {
		ts = timesource.New(nil, nil)
	}

	return &Writer{
		connect: connect,
		cfg:     cfg,
		time:    ts,
		logger:  logger.With().Str("component", "ledger").Logger(),
	}
}

// Append writes rec and reports whether the ledger accepted it. Failures are
// logged; they never propagate.
func (w *Writer) Append(ctx context.Context, rec Record) bool {
	ctx, span := tracing.StartSpan(ctx, "ledger.append",
		attribute.Int64("subject_id", rec.SubjectID),
		attribute.Int64("duration_seconds", rec.DurationSeconds),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, w.logger).With().
		Int64("subject_id", rec.SubjectID).
		Str("display_name", rec.DisplayName).
		Logger()

	backend, err := w.handle(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("No ledger handle, record not written")
		observability.RecordLedgerAppend(false)
		tracing.Fail(span, err)
		return false
	}

	values := rec.Values(w.time.Display())
	attempts := w.cfg.MaxRetries + 1

	for attempt := 1; attempt <= attempts; attempt++ {
		observability.RecordLedgerAttempt()

		err = backend.Append(ctx, values)
		if err == nil {
			logger.Info().Int("attempt", attempt).Msg("Record written to ledger")
			observability.RecordLedgerAppend(true)
			return true
		}

		var lerr *Error
		if !errors.As(err, &lerr) {
			logger.Error().Err(err).Int("attempt", attempt).Msg("Unexpected ledger failure, not retrying")
			break
		}
		if !lerr.Retryable {
			logger.Error().Err(err).Int("attempt", attempt).Msg("Permanent ledger failure, not retrying")
			break
		}
		if attempt == attempts {
			logger.Error().Err(err).Int("attempts", attempts).Msg("Ledger append failed after all attempts")
			break
		}

		logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Dur("retry_in", w.cfg.RetryDelay).
			Msg("Transient ledger failure, retrying")

		if werr := w.wait(ctx, w.cfg.RetryDelay); werr != nil {
			err = werr
			logger.Error().Err(err).Msg("Ledger retry interrupted")
			break
		}

		backend, err = w.handle(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("Could not reacquire ledger handle before retry")
			break
		}
	}

	observability.RecordLedgerAppend(false)
	tracing.Fail(span, err)
	return false
}

// Connect acquires and caches a handle up front so an unreachable ledger is
// reported at startup instead of on the first completed share.
func (w *Writer) Connect(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "ledger.connect")
	defer span.End()

	if _, err := w.handle(ctx); err != nil {
		tracing.Fail(span, err)
		return err
	}
	return nil
}

// Rows returns the ledger contents, header first.
func (w *Writer) Rows(ctx context.Context) ([][]string, error) {
	ctx, span := tracing.StartSpan(ctx, "ledger.rows")
	defer span.End()

	backend, err := w.handle(ctx)
	if err != nil {
		tracing.Fail(span, err)
		return nil, err
	}

	rows, err := backend.Rows(ctx)
	if err != nil {
		tracing.Fail(span, err)
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	return rows, nil
}

// Close releases the cached handle.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.backend == nil {
		return nil
	}
	err := w.backend.Close()
	w.backend = nil
	return err
}

// handle returns a probed backend, reconnecting when the cached one is
// missing or fails its probe.
func (w *Writer) handle(ctx context.Context) (Backend, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.backend != nil {
		err := w.backend.Probe(ctx)
		if err == nil {
			return w.backend, nil
		}
		w.logger.Warn().Err(err).Str("backend", w.backend.Name()).Msg("Ledger handle failed probe, reconnecting")
		_ = w.backend.Close()
		w.backend = nil
	}

	attempts := w.cfg.MaxRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		backend, err := w.connect(ctx)
		if err == nil {
			observability.RecordLedgerReconnect(true)
			w.logger.Info().Str("backend", backend.Name()).Int("attempt", attempt).Msg("Ledger connected")
			w.backend = backend
			return backend, nil
		}

		observability.RecordLedgerReconnect(false)
		lastErr = err
		if attempt == attempts {
			break
		}

		w.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Dur("retry_in", w.cfg.RetryDelay).
			Msg("Ledger connect failed, retrying")

		if err := w.wait(ctx, w.cfg.RetryDelay); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("ledger unavailable after %d attempts: %w", attempts, lastErr)
}

func (w *Writer) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := w.time.Clock().Timer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
