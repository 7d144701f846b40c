package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/shutter/internal/cloud"
	"github.com/yairfalse/shutter/internal/cloud/cloudtest"
)

// fakeQueue hands out the queued batches in order, then empty receives.
type fakeQueue struct {
	mu       sync.Mutex
	batches  [][]cloud.Message
	deleted  []string
	receives int
}

func (f *fakeQueue) receiver() *cloudtest.Receiver {
	return &cloudtest.Receiver{
		ReceiveFunc: func(ctx context.Context, _ string, _ int32, _ int32) ([]cloud.Message, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.receives++
			if len(f.batches) == 0 {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				// Stands in for the long poll.
				time.Sleep(time.Millisecond)
				return nil, nil
			}
			b := f.batches[0]
			f.batches = f.batches[1:]
			return b, nil
		},
		DeleteFunc: func(_ context.Context, _ string, receipt string) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.deleted = append(f.deleted, receipt)
			return nil
		},
	}
}

func (f *fakeQueue) deletedReceipts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func msgs(ids ...string) []cloud.Message {
	out := make([]cloud.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloud.Message{ID: id, Body: []byte(`{}`), ReceiptHandle: "rh-" + id})
	}
	return out
}

func testConfig() Config {
	return Config{Stage: "lock", Queue: "lock_instance_queue", MaxMessages: 10, ErrorBackoff: 10 * time.Millisecond}
}

func ok() Handler {
	return HandlerFunc(func(context.Context, []cloud.Message) ([]string, error) { return nil, nil })
}

// ═══════════════════════════════════════════════════════════════════════════
// Drain
// ═══════════════════════════════════════════════════════════════════════════

func TestDrain_DeletesHandledMessages(t *testing.T) {
	fq := &fakeQueue{batches: [][]cloud.Message{msgs("1", "2"), msgs("3")}}
	w := New(testConfig(), cloudtest.NewQueue(), fq.receiver(), ok(), nil)

	n, err := w.Drain(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"rh-1", "rh-2", "rh-3"}, fq.deletedReceipts())
	assert.Equal(t, int64(2), w.BatchCount())
}

func TestDrain_KeepsFailedMessages(t *testing.T) {
	fq := &fakeQueue{batches: [][]cloud.Message{msgs("1", "2", "3")}}
	handler := HandlerFunc(func(context.Context, []cloud.Message) ([]string, error) {
		return []string{"2"}, nil
	})
	w := New(testConfig(), cloudtest.NewQueue(), fq.receiver(), handler, nil)

	_, err := w.Drain(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{"rh-1", "rh-3"}, fq.deletedReceipts())
}

func TestDrain_BatchErrorKeepsEverything(t *testing.T) {
	fq := &fakeQueue{batches: [][]cloud.Message{msgs("1", "2")}}
	handler := HandlerFunc(func(context.Context, []cloud.Message) ([]string, error) {
		return nil, errors.New("no queue endpoint resolved")
	})
	w := New(testConfig(), cloudtest.NewQueue(), fq.receiver(), handler, nil)

	n, err := w.Drain(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, fq.deletedReceipts())
	assert.Equal(t, int64(1), w.Health().Failures)
}

func TestDrain_HandlerTimeout(t *testing.T) {
	fq := &fakeQueue{batches: [][]cloud.Message{msgs("1")}}
	cfg := testConfig()
	cfg.HandlerTimeout = 20 * time.Millisecond
	var deadline bool
	handler := HandlerFunc(func(ctx context.Context, _ []cloud.Message) ([]string, error) {
		_, deadline = ctx.Deadline()
		return nil, nil
	})
	w := New(cfg, cloudtest.NewQueue(), fq.receiver(), handler, nil)

	_, err := w.Drain(context.Background())

	require.NoError(t, err)
	assert.True(t, deadline)
}

func TestDrain_ResolveFailure(t *testing.T) {
	q := cloudtest.NewQueue()
	q.QueueURLFunc = func(context.Context, string) (string, error) { return "", errors.New("no such queue") }
	w := New(testConfig(), q, (&fakeQueue{}).receiver(), ok(), nil)

	_, err := w.Drain(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock_instance_queue")
}

func TestDrain_ReceiveFailure(t *testing.T) {
	r := &cloudtest.Receiver{
		ReceiveFunc: func(context.Context, string, int32, int32) ([]cloud.Message, error) {
			return nil, errors.New("throttled")
		},
	}
	w := New(testConfig(), cloudtest.NewQueue(), r, ok(), nil)

	_, err := w.Drain(context.Background())

	require.Error(t, err)
}

func TestPoll_PassesReceiveParameters(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMessages = 5
	cfg.WaitTime = 20 * time.Second
	var gotURL string
	var gotMax, gotWait int32
	r := &cloudtest.Receiver{
		ReceiveFunc: func(_ context.Context, url string, max int32, wait int32) ([]cloud.Message, error) {
			gotURL, gotMax, gotWait = url, max, wait
			return nil, nil
		},
	}
	w := New(cfg, cloudtest.NewQueue(), r, ok(), nil)

	_, err := w.Drain(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "https://sqs/lock_instance_queue", gotURL)
	assert.Equal(t, int32(5), gotMax)
	assert.Equal(t, int32(20), gotWait)
}

// ═══════════════════════════════════════════════════════════════════════════
// Start
// ═══════════════════════════════════════════════════════════════════════════

func TestWorker_GracefulShutdown(t *testing.T) {
	fq := &fakeQueue{batches: [][]cloud.Message{msgs("1")}}
	w := New(testConfig(), cloudtest.NewQueue(), fq.receiver(), ok(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.Start(ctx)
	}()

	require.Eventually(t, func() bool {
		return len(fq.deletedReceipts()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not shutdown within timeout")
	}
}

func TestWorker_StartResolveFailure(t *testing.T) {
	q := cloudtest.NewQueue()
	q.QueueURLFunc = func(context.Context, string) (string, error) { return "", errors.New("denied") }
	w := New(testConfig(), q, (&fakeQueue{}).receiver(), ok(), nil)

	err := w.Start(context.Background())

	require.Error(t, err)
}

func TestWorker_Health(t *testing.T) {
	w := New(testConfig(), cloudtest.NewQueue(), (&fakeQueue{}).receiver(), ok(), nil)

	h := w.Health()

	assert.Equal(t, "lock", h.Stage)
	assert.Equal(t, "healthy", h.Status)
	assert.GreaterOrEqual(t, h.Uptime, int64(0))
}
