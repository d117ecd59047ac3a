package presence

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/livetrack/internal/observability"
	"github.com/harun/livetrack/internal/tracing"
	"github.com/harun/livetrack/pkg/timesource"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultInactiveThreshold = 9 * time.Hour
	MinSweepInterval         = time.Minute
	MaxSweepInterval         = time.Hour
)

const (
	stateIdle int32 = iota
	stateSweeping
)

// DefaultSweepInterval derives a sweep period from the inactivity threshold:
// a ninth of it, clamped to [MinSweepInterval, MaxSweepInterval].
func DefaultSweepInterval(threshold time.Duration) time.Duration {
	d := threshold / 9
	if d < MinSweepInterval {
		return MinSweepInterval
	}
	if d > MaxSweepInterval {
		return MaxSweepInterval
	}
	return d
}

// Evictor periodically removes sessions idle beyond the threshold. Evicted
// sessions are dropped without a ledger write.
type Evictor struct {
	store     *Store
	persist   Persister
	time      *timesource.Source
	threshold time.Duration
	interval  time.Duration
	logger    zerolog.Logger

	state   atomic.Int32
	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewEvictor creates an evictor. An interval <= 0 disables the schedule;
// Sweep can still be called directly.
func NewEvictor(store *Store, persist Persister, ts *timesource.Source, threshold, interval time.Duration, logger zerolog.Logger) *Evictor {
	if threshold <= 0 {
		threshold = DefaultInactiveThreshold
	}
	if ts == nil {
		ts = timesource.New(nil, nil)
	}

	return &Evictor{
		store:     store,
		persist:   persist,
		time:      ts,
		threshold: threshold,
		interval:  interval,
		logger:    logger.With().Str("component", "eviction").Logger(),
	}
}

// Start schedules the sweep. The first sweep runs one interval after Start.
func (e *Evictor) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return fmt.Errorf("eviction is already running")
	}
	if e.interval <= 0 {
		e.logger.Info().Msg("Inactive share sweep disabled")
		return nil
	}

	clog := cronLogger{logger: e.logger}
	c := cron.New(
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	c.Schedule(cron.Every(e.interval), cron.FuncJob(func() {
		e.Sweep(context.Background())
	}))
	c.Start()

	e.cron = c
	e.running = true

	e.logger.Info().
		Dur("interval", e.interval).
		Dur("threshold", e.threshold).
		Msg("Inactive share sweep started")
	return nil
}

// Stop cancels the schedule and waits for a running sweep to finish.
func (e *Evictor) Stop() {
	e.mu.Lock()
	c := e.cron
	e.cron = nil
	e.running = false
	e.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	e.logger.Info().Msg("Inactive share sweep stopped")
}

// Sweep removes stale sessions and saves a snapshot if any were removed. ran
// is false when another sweep was already in progress.
func (e *Evictor) Sweep(ctx context.Context) (removed int, ran bool) {
	if !e.state.CompareAndSwap(stateIdle, stateSweeping) {
		e.logger.Debug().Msg("Sweep already in progress, skipping")
		return 0, false
	}
	defer e.state.Store(stateIdle)

	ctx, span := tracing.StartSpan(ctx, "eviction.sweep")
	defer span.End()

	start := time.Now()
	removed = e.store.Evict(e.time.Now(), e.threshold)
	observability.RecordSweep(time.Since(start), removed)
	span.SetAttributes(attribute.Int("removed", removed))

	if removed > 0 {
		e.logger.Info().Int("removed", removed).Int("remaining", e.store.Len()).Msg("Sweep removed inactive shares")
		if e.persist != nil {
			_ = e.store.Persist(ctx, e.persist)
		}
	} else {
		e.logger.Debug().Msg("Sweep found no inactive shares")
	}
	return removed, true
}

// Threshold returns the inactivity limit
func (e *Evictor) Threshold() time.Duration {
	return e.threshold
}

// Interval returns the sweep period; <= 0 means disabled.
func (e *Evictor) Interval() time.Duration {
	return e.interval
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
