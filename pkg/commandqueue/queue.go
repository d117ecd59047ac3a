package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/livetrack/internal/observability"
	"github.com/harun/livetrack/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// ErrClosed is returned by Enqueue once Close has been called.
var ErrClosed = errors.New("command queue closed")

// Task represents an operation executed on a lane
type Task func(ctx context.Context) (interface{}, error)

// TaskOptions provides configuration for task execution
type TaskOptions struct {
	WarnAfter time.Duration
	OnWait    func(wait time.Duration, queuePos int)
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	options    TaskOptions
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

// laneState holds the pending tasks of one lane. A lane exists only while it
// has work; the drain goroutine removes it when the queue runs dry.
type laneState struct {
	queue    []*taskRecord
	draining bool
}

// CommandQueue serializes tasks per lane. Tasks on one lane run one at a time
// in arrival order, tasks on different lanes run concurrently.
type CommandQueue struct {
	kind      string
	lanes     map[string]*laneState
	taskIDSeq int
	queued    int
	closed    bool
	mu        sync.Mutex
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates a CommandQueue. kind labels its metrics.
func New(kind string) *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	return &CommandQueue{
		kind:   kind,
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Enqueue appends task to lane and blocks until it has run. The caller's
// context is handed to the task; cancelling it does not remove the task from
// the lane, so ordering with later tasks is preserved.
func (cq *CommandQueue) Enqueue(ctx context.Context, lane string, task Task, options *TaskOptions) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(ctx, "commandqueue.enqueue", attribute.String("lane", lane))
	defer span.End()

	if tracing.GetSessionKey(ctx) == "" {
		ctx = tracing.WithSessionKey(ctx, lane)
	}

	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil, ErrClosed
	}
	cq.taskIDSeq++
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", cq.kind, cq.taskIDSeq),
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		options:    opts,
		result:     make(chan taskResult, 1),
	}

	ls, ok := cq.lanes[lane]
	if !ok {
		ls = &laneState{}
		cq.lanes[lane] = ls
	}
	ls.queue = append(ls.queue, record)
	cq.queued++
	queued := cq.queued
	start := !ls.draining
	if start {
		ls.draining = true
		cq.wg.Add(1)
	}
	cq.mu.Unlock()

	observability.RecordQueueEnqueue(cq.kind, queued)
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("task_id", record.id).
		Int("queued", queued).
		Msg("Task enqueued")

	if start {
		go cq.drain(lane, ls)
	}

	res := <-record.result
	if res.err != nil {
		tracing.Fail(span, res.err)
	}
	return res.value, res.err
}

func (cq *CommandQueue) drain(lane string, ls *laneState) {
	defer cq.wg.Done()

	for {
		cq.mu.Lock()
		if len(ls.queue) == 0 {
			delete(cq.lanes, lane)
			cq.mu.Unlock()
			return
		}
		record := ls.queue[0]
		ls.queue[0] = nil
		ls.queue = ls.queue[1:]
		cq.mu.Unlock()

		cq.execute(lane, record)
	}
}

func (cq *CommandQueue) execute(lane string, record *taskRecord) {
	waited := time.Since(record.enqueuedAt)
	logger := tracing.LoggerFromContext(record.ctx, log.Logger)

	if record.options.WarnAfter > 0 && waited >= record.options.WarnAfter {
		if record.options.OnWait != nil {
			record.options.OnWait(waited, cq.LaneLen(lane))
		}
		logger.Warn().
			Str("task_id", record.id).
			Dur("waited", waited).
			Msg("Lane wait exceeded")
	}

	ctx, cancel := context.WithCancel(record.ctx)
	stop := context.AfterFunc(cq.ctx, cancel)

	startTime := time.Now()
	value, err := cq.run(ctx, record.task)
	duration := time.Since(startTime)

	stop()
	cancel()

	cq.mu.Lock()
	cq.queued--
	queued := cq.queued
	cq.mu.Unlock()

	observability.RecordQueueCompletion(cq.kind, duration, err == nil, queued)
	if err != nil {
		logger.Debug().Err(err).Str("task_id", record.id).Dur("duration", duration).Msg("Task failed")
	} else {
		logger.Debug().Str("task_id", record.id).Dur("duration", duration).Msg("Task completed")
	}

	record.result <- taskResult{value: value, err: err}
}

// run executes task, turning a panic into an error so one bad event cannot
// take the lane down with it.
func (cq *CommandQueue) run(ctx context.Context, task Task) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

// LaneLen returns the number of tasks waiting on lane, excluding a running one.
func (cq *CommandQueue) LaneLen(lane string) int {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	if ls, ok := cq.lanes[lane]; ok {
		return len(ls.queue)
	}
	return 0
}

// Lanes returns the number of lanes with pending or running work.
func (cq *CommandQueue) Lanes() int {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return len(cq.lanes)
}

// Stats returns a point-in-time view of the queue.
func (cq *CommandQueue) Stats() map[string]int {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return map[string]int{
		"lanes":  len(cq.lanes),
		"queued": cq.queued,
	}
}

// Close stops accepting tasks and waits for queued ones to drain. If ctx
// expires first, running tasks see their context cancelled and Close returns
// ctx.Err() once they have returned.
func (cq *CommandQueue) Close(ctx context.Context) error {
	cq.mu.Lock()
	cq.closed = true
	cq.mu.Unlock()

	done := make(chan struct{})
	go func() {
		cq.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		cq.cancel()
		return nil
	case <-ctx.Done():
		cq.cancel()
		<-done
		return ctx.Err()
	}
}
