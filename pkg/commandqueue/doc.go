// Package commandqueue provides lane-based task execution with FIFO ordering per lane.
//
// Invariants:
// - Tasks in the same lane execute one at a time in FIFO order.
// - Tasks in different lanes may execute concurrently.
// - A lane is dropped as soon as it has no pending work.
//
// Usage:
//
//	queue := commandqueue.New("events")
//	defer queue.Close(context.Background())
//	result, err := queue.Enqueue(ctx, "-100123:42", func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	}, nil)
package commandqueue
