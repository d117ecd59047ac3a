package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/harun/livetrack/pkg/timesource"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu        sync.Mutex
	appendErr []error
	probeErr  error
	appends   int
	rows      [][]any
	closed    bool
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Probe(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probeErr
}

func (f *fakeBackend) Append(ctx context.Context, values []any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appends++
	if len(f.appendErr) > 0 {
		err := f.appendErr[0]
		if len(f.appendErr) > 1 {
			f.appendErr = f.appendErr[1:]
		}
		if err != nil {
			return err
		}
	}
	f.rows = append(f.rows, values)
	return nil
}

func (f *fakeBackend) Rows(ctx context.Context) ([][]string, error) {
	return [][]string{Columns}, nil
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeBackend) appendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appends
}

type countingConnector struct {
	mu      sync.Mutex
	calls   int
	errs    []error
	backend Backend
}

func (c *countingConnector) connect(ctx context.Context) (Backend, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return c.backend, nil
}

func (c *countingConnector) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func testRecord() Record {
	start := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	return NewRecord(42, "alice", start, start.Add(25*time.Minute))
}

func newTestWriter(conn Connector, maxRetries int) *Writer {
	return NewWriter(conn, Config{MaxRetries: maxRetries}, timesource.New(nil, nil), zerolog.Nop())
}

func TestWriter_AppendSuccess(t *testing.T) {
	backend := &fakeBackend{}
	conn := &countingConnector{backend: backend}
	w := newTestWriter(conn.connect, 2)

	ok := w.Append(context.Background(), testRecord())

	assert.True(t, ok)
	assert.Equal(t, 1, backend.appendCount())
	require.Len(t, backend.rows, 1)
	assert.Equal(t, int64(42), backend.rows[0][0])
	assert.Equal(t, "00:25:00", backend.rows[0][4])
	assert.Equal(t, int64(1500), backend.rows[0][7])
}

func TestWriter_TransientFailureRetryBound(t *testing.T) {
	for _, maxRetries := range []int{0, 1, 2, 4} {
		backend := &fakeBackend{appendErr: []error{Transient("fake", 503, errors.New("unavailable"))}}
		conn := &countingConnector{backend: backend}
		w := newTestWriter(conn.connect, maxRetries)

		ok := w.Append(context.Background(), testRecord())

		assert.False(t, ok)
		assert.Equal(t, maxRetries+1, backend.appendCount(), "max_retries=%d", maxRetries)
	}
}

func TestWriter_TransientThenSuccess(t *testing.T) {
	backend := &fakeBackend{appendErr: []error{
		Transient("fake", 429, errors.New("rate limited")),
		nil,
	}}
	conn := &countingConnector{backend: backend}
	w := newTestWriter(conn.connect, 2)

	ok := w.Append(context.Background(), testRecord())

	assert.True(t, ok)
	assert.Equal(t, 2, backend.appendCount())
	assert.Len(t, backend.rows, 1)
}

func TestWriter_PermanentFailureAbortsImmediately(t *testing.T) {
	backend := &fakeBackend{appendErr: []error{Permanent("fake", 403, errors.New("forbidden"))}}
	conn := &countingConnector{backend: backend}
	w := newTestWriter(conn.connect, 5)

	ok := w.Append(context.Background(), testRecord())

	assert.False(t, ok)
	assert.Equal(t, 1, backend.appendCount())
}

func TestWriter_UnexpectedFailureIsNotRetried(t *testing.T) {
	backend := &fakeBackend{appendErr: []error{errors.New("connection reset")}}
	conn := &countingConnector{backend: backend}
	w := newTestWriter(conn.connect, 5)

	ok := w.Append(context.Background(), testRecord())

	assert.False(t, ok)
	assert.Equal(t, 1, backend.appendCount())
}

func TestWriter_ConnectRetryBound(t *testing.T) {
	conn := &countingConnector{errs: []error{
		errors.New("down"), errors.New("down"), errors.New("down"), errors.New("down"),
	}}
	w := newTestWriter(conn.connect, 2)

	ok := w.Append(context.Background(), testRecord())

	assert.False(t, ok)
	assert.Equal(t, 3, conn.callCount())
}

func TestWriter_ConnectRecovers(t *testing.T) {
	backend := &fakeBackend{}
	conn := &countingConnector{backend: backend, errs: []error{errors.New("down")}}
	w := newTestWriter(conn.connect, 2)

	ok := w.Append(context.Background(), testRecord())

	assert.True(t, ok)
	assert.Equal(t, 2, conn.callCount())
}

func TestWriter_ReusesProbedHandle(t *testing.T) {
	backend := &fakeBackend{}
	conn := &countingConnector{backend: backend}
	w := newTestWriter(conn.connect, 2)

	require.True(t, w.Append(context.Background(), testRecord()))
	require.True(t, w.Append(context.Background(), testRecord()))

	assert.Equal(t, 1, conn.callCount())
}

func TestWriter_ReconnectsWhenProbeFails(t *testing.T) {
	stale := &fakeBackend{}
	fresh := &fakeBackend{}
	conn := &countingConnector{backend: stale}
	w := newTestWriter(conn.connect, 2)

	require.True(t, w.Append(context.Background(), testRecord()))

	stale.mu.Lock()
	stale.probeErr = errors.New("token expired")
	stale.mu.Unlock()
	conn.mu.Lock()
	conn.backend = fresh
	conn.mu.Unlock()

	require.True(t, w.Append(context.Background(), testRecord()))

	assert.True(t, stale.closed)
	assert.Equal(t, 1, fresh.appendCount())
	assert.Equal(t, 2, conn.callCount())
}

func TestWriter_RetryWaitsOnClock(t *testing.T) {
	mock := clock.NewMock()
	backend := &fakeBackend{appendErr: []error{
		Transient("fake", 500, errors.New("backend error")),
		nil,
	}}
	conn := &countingConnector{backend: backend}
	w := NewWriter(conn.connect, Config{MaxRetries: 2, RetryDelay: 5 * time.Second}, timesource.New(mock, nil), zerolog.Nop())

	done := make(chan bool, 1)
	go func() {
		done <- w.Append(context.Background(), testRecord())
	}()

	require.Eventually(t, func() bool { return backend.appendCount() == 1 }, time.Second, time.Millisecond)

	// no retry until the delay has elapsed on the clock
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, backend.appendCount())

	var ok bool
	require.Eventually(t, func() bool {
		mock.Add(5 * time.Second)
		select {
		case ok = <-done:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)

	assert.True(t, ok)
	assert.Equal(t, 2, backend.appendCount())
}

func TestWriter_CancelledContextStopsRetry(t *testing.T) {
	backend := &fakeBackend{appendErr: []error{Transient("fake", 503, errors.New("unavailable"))}}
	conn := &countingConnector{backend: backend}
	w := NewWriter(conn.connect, Config{MaxRetries: 3, RetryDelay: time.Hour}, timesource.New(clock.NewMock(), nil), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() {
		done <- w.Append(ctx, testRecord())
	}()

	require.Eventually(t, func() bool { return backend.appendCount() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("append did not return after cancellation")
	}
	assert.Equal(t, 1, backend.appendCount())
}

func TestWriter_RowsAndClose(t *testing.T) {
	backend := &fakeBackend{}
	conn := &countingConnector{backend: backend}
	w := newTestWriter(conn.connect, 0)

	rows, err := w.Rows(context.Background())
	require.NoError(t, err)
	assert.Equal(t, [][]string{Columns}, rows)

	require.NoError(t, w.Close())
	assert.True(t, backend.closed)
}

func TestWriter_RowsUnavailable(t *testing.T) {
	conn := &countingConnector{errs: []error{errors.New("down")}}
	w := newTestWriter(conn.connect, 0)

	_, err := w.Rows(context.Background())
	assert.Error(t, err)
}

func TestWriter_ConnectCachesHandle(t *testing.T) {
	backend := &fakeBackend{}
	conn := &countingConnector{backend: backend}
	w := newTestWriter(conn.connect, 0)

	require.NoError(t, w.Connect(context.Background()))
	assert.Equal(t, 1, conn.callCount())

	assert.True(t, w.Append(context.Background(), testRecord()))
	assert.Equal(t, 1, conn.callCount(), "append reuses the handle opened by Connect")
}

func TestWriter_ConnectUnavailable(t *testing.T) {
	conn := &countingConnector{errs: []error{errors.New("down"), errors.New("down")}}
	w := newTestWriter(conn.connect, 1)

	err := w.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger unavailable after 2 attempts")
	assert.Equal(t, 2, conn.callCount())
}
