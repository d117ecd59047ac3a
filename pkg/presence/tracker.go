package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/livetrack/internal/observability"
	"github.com/harun/livetrack/internal/tracing"
	"github.com/harun/livetrack/pkg/commandqueue"
	"github.com/harun/livetrack/pkg/ledger"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Persister durably stores a point-in-time copy of the registry.
type Persister interface {
	Save(ctx context.Context, entries []Entry) error
}

// Appender hands a completed record to the ledger.
type Appender interface {
	Append(ctx context.Context, rec ledger.Record) bool
}

// SessionOpened starts a live share.
type SessionOpened struct {
	Key         Key
	SubjectID   int64
	DisplayName string
	At          time.Time
}

// SessionHeartbeat reports activity on a live share. StillLive false means
// the share has ended.
type SessionHeartbeat struct {
	Key       Key
	At        time.Time
	StillLive bool
}

// Outcome describes what handling an event did to the registry.
type Outcome int

const (
	OutcomeIgnored Outcome = iota
	OutcomeOpened
	OutcomeReplaced
	OutcomeUpdated
	OutcomeClosed
	OutcomeClosedUnrecorded
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOpened:
		return "opened"
	case OutcomeReplaced:
		return "replaced"
	case OutcomeUpdated:
		return "updated"
	case OutcomeClosed:
		return "closed"
	case OutcomeClosedUnrecorded:
		return "closed_unrecorded"
	default:
		return "ignored"
	}
}

// Tracker applies session events to the store. Events for one key run on
// their own queue lane, so each is handled to completion before the next
// event for that key starts. Different keys proceed concurrently.
type Tracker struct {
	store   *Store
	persist Persister
	ledger  Appender
	queue   *commandqueue.CommandQueue
	logger  zerolog.Logger
}

// NewTracker wires a tracker. persist and ledger may be nil in tests.
func NewTracker(store *Store, persist Persister, ledger Appender, queue *commandqueue.CommandQueue, logger zerolog.Logger) *Tracker {
	return &Tracker{
		store:   store,
		persist: persist,
		ledger:  ledger,
		queue:   queue,
		logger:  logger.With().Str("component", "tracker").Logger(),
	}
}

// Store returns the tracked registry
func (t *Tracker) Store() *Store {
	return t.store
}

// HandleOpened registers a new live share.
func (t *Tracker) HandleOpened(ctx context.Context, ev SessionOpened) (Outcome, error) {
	return t.dispatch(ctx, ev.Key, "session.opened", func(ctx context.Context) Outcome {
		replaced := t.store.Open(ev.Key, ev.SubjectID, ev.DisplayName, ev.At)

		t.logger.Info().
			Str("session_key", ev.Key.String()).
			Int64("subject_id", ev.SubjectID).
			Str("display_name", ev.DisplayName).
			Msg("Live share started")

		t.save(ctx)
		if replaced {
			return OutcomeReplaced
		}
		return OutcomeOpened
	})
}

// HandleHeartbeat refreshes a live share, or closes it when StillLive is false.
// Events for unknown keys are ignored.
func (t *Tracker) HandleHeartbeat(ctx context.Context, ev SessionHeartbeat) (Outcome, error) {
	name := "session.heartbeat"
	if !ev.StillLive {
		name = "session.closed"
	}

	return t.dispatch(ctx, ev.Key, name, func(ctx context.Context) Outcome {
		if ev.StillLive {
			if !t.store.Heartbeat(ev.Key, ev.At) {
				t.logger.Debug().Str("session_key", ev.Key.String()).Msg("Edit for unknown share ignored")
				return OutcomeIgnored
			}
			t.save(ctx)
			return OutcomeUpdated
		}
		return t.close(ctx, ev)
	})
}

func (t *Tracker) close(ctx context.Context, ev SessionHeartbeat) Outcome {
	logger := t.logger.With().Str("session_key", ev.Key.String()).Logger()

	sess, ok := t.store.Get(ev.Key)
	if !ok {
		logger.Debug().Msg("End of unknown share ignored")
		return OutcomeIgnored
	}

	rec := ledger.NewRecord(sess.SubjectID, sess.DisplayName, sess.StartTime, ev.At)
	logger.Info().
		Int64("subject_id", sess.SubjectID).
		Str("display_name", sess.DisplayName).
		Int64("duration_seconds", rec.DurationSeconds).
		Msg("Live share ended")

	recorded := false
	if t.ledger != nil {
		recorded = t.ledger.Append(ctx, rec)
	}
	if !recorded {
		logger.Error().
			Int64("subject_id", sess.SubjectID).
			Str("display_name", sess.DisplayName).
			Msg("Completed share was not written to the ledger")
	}
	observability.RecordSessionAudit(ctx, "session_closed", ev.Key.String(), auditStatus(recorded), map[string]interface{}{
		"subject_id":       rec.SubjectID,
		"display_name":     rec.DisplayName,
		"start_utc":        rec.Start.Format(time.RFC3339),
		"end_utc":          rec.End.Format(time.RFC3339),
		"duration_seconds": rec.DurationSeconds,
	})

	// The ledger call may have suspended long enough for the sweep to take
	// the entry; that is not an error.
	if _, removed := t.store.Close(ev.Key); removed {
		t.save(ctx)
	} else {
		logger.Warn().Msg("Share already removed before close completed")
	}

	if recorded {
		return OutcomeClosed
	}
	return OutcomeClosedUnrecorded
}

func (t *Tracker) dispatch(ctx context.Context, key Key, name string, fn func(ctx context.Context) Outcome) (Outcome, error) {
	ctx = tracing.WithSessionKey(tracing.Detach(ctx), key.String())

	result, err := t.queue.Enqueue(ctx, key.String(), func(ctx context.Context) (interface{}, error) {
		ctx, span := tracing.StartSpan(ctx, name, attribute.String("session_key", key.String()))
		defer span.End()

		outcome := fn(ctx)
		span.SetAttributes(attribute.String("outcome", outcome.String()))
		return outcome, nil
	}, nil)
	if err != nil {
		return OutcomeIgnored, fmt.Errorf("failed to handle %s for %s: %w", name, key, err)
	}

	outcome := result.(Outcome)
	observability.RecordSessionEvent(outcome.String())
	return outcome, nil
}

func (t *Tracker) save(ctx context.Context) {
	if t.persist == nil {
		return
	}
	// Save logs its own failures; the registry stays authoritative.
	_ = t.store.Persist(ctx, t.persist)
}

func auditStatus(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
