package batch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/quarrel-core/internal/metrics"
)

func echo(_ context.Context, req Request) ([]int, error) {
	out := make([]int, len(req.Tokens))
	for i, t := range req.Tokens {
		out[i] = t + 1
	}
	return out, nil
}

func wait(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")
		return Result{}
	}
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	assert.Error(t, err)
	_, err = New(echo, Config{MaxBatch: 0, QueueSize: 1})
	assert.ErrorContains(t, err, "invalid max_batch")
	_, err = New(echo, Config{MaxBatch: 1, QueueSize: 0})
	assert.ErrorContains(t, err, "invalid queue_size")
}

func TestQueueFull(t *testing.T) {
	p, err := New(echo, Config{MaxBatch: 1, QueueSize: 2})
	require.NoError(t, err)

	_, err = p.Submit(Request{ID: "a"})
	require.NoError(t, err)
	_, err = p.Submit(Request{ID: "b"})
	require.NoError(t, err)
	_, err = p.Submit(Request{ID: "c"})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, p.QueueLen())
}

func TestProcessesRequests(t *testing.T) {
	p, err := New(echo, DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	var chans []<-chan Result
	for i := 0; i < 20; i++ {
		ch, err := p.Submit(Request{ID: fmt.Sprint(i), Tokens: []int{i, i * 2}})
		require.NoError(t, err)
		chans = append(chans, ch)
	}
	for i, ch := range chans {
		r := wait(t, ch)
		require.NoError(t, r.Err)
		assert.Equal(t, fmt.Sprint(i), r.ID)
		assert.Equal(t, []int{i + 1, i*2 + 1}, r.Tokens)
	}
}

func TestBatchSizeBound(t *testing.T) {
	var inFlight, peak atomic.Int32
	handler := func(ctx context.Context, req Request) ([]int, error) {
		n := inFlight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return nil, nil
	}
	p, err := New(handler, Config{MaxBatch: 3, QueueSize: 16})
	require.NoError(t, err)

	var chans []<-chan Result
	for i := 0; i < 10; i++ {
		ch, err := p.Submit(Request{ID: fmt.Sprint(i)})
		require.NoError(t, err)
		chans = append(chans, ch)
	}
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	for _, ch := range chans {
		require.NoError(t, wait(t, ch).Err)
	}
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Positive(t, peak.Load())
}

func TestFailureIsolation(t *testing.T) {
	boom := errors.New("kernel failed")
	handler := func(ctx context.Context, req Request) ([]int, error) {
		switch req.ID {
		case "bad":
			return nil, boom
		case "panic":
			panic("index out of range")
		}
		return echo(ctx, req)
	}
	reg := prometheus.NewRegistry()
	col := metrics.NewPrometheus(reg, "test")
	p, err := New(handler, Config{MaxBatch: 4, QueueSize: 8, Collector: col})
	require.NoError(t, err)

	ids := []string{"ok1", "bad", "panic", "ok2"}
	chans := map[string]<-chan Result{}
	for _, id := range ids {
		ch, err := p.Submit(Request{ID: id, Tokens: []int{1}})
		require.NoError(t, err)
		chans[id] = ch
	}
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	assert.ErrorIs(t, wait(t, chans["bad"]).Err, boom)
	pr := wait(t, chans["panic"])
	assert.ErrorContains(t, pr.Err, "panicked")
	assert.Nil(t, pr.Tokens)
	for _, id := range []string{"ok1", "ok2"} {
		r := wait(t, chans[id])
		assert.NoError(t, r.Err)
		assert.Equal(t, []int{2}, r.Tokens)
	}

	assert.Equal(t, float64(2), testutil.ToFloat64(col.Requests.WithLabelValues("ok")))
	assert.Equal(t, float64(2), testutil.ToFloat64(col.Requests.WithLabelValues("error")))
}

func TestStopFailsPending(t *testing.T) {
	p, err := New(echo, DefaultConfig())
	require.NoError(t, err)
	a, err := p.Submit(Request{ID: "a"})
	require.NoError(t, err)
	b, err := p.Submit(Request{ID: "b"})
	require.NoError(t, err)

	p.Stop()
	assert.ErrorIs(t, wait(t, a).Err, ErrStopped)
	assert.ErrorIs(t, wait(t, b).Err, ErrStopped)
	assert.Equal(t, 0, p.QueueLen())

	_, err = p.Submit(Request{ID: "c"})
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, p.Start(context.Background()), ErrStopped)
	p.Stop()
}

func TestStartTwice(t *testing.T) {
	p, err := New(echo, DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()
	assert.Error(t, p.Start(context.Background()))
}

func TestHandlerSeesCancellation(t *testing.T) {
	started := make(chan struct{})
	handler := func(ctx context.Context, req Request) ([]int, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	p, err := New(handler, DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	ch, err := p.Submit(Request{ID: "slow"})
	require.NoError(t, err)
	<-started
	p.Stop()
	assert.ErrorIs(t, wait(t, ch).Err, context.Canceled)
}

func TestParentCancellationStops(t *testing.T) {
	started := make(chan struct{})
	handler := func(ctx context.Context, req Request) ([]int, error) {
		if req.ID == "slow" {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return echo(ctx, req)
	}
	p, err := New(handler, Config{MaxBatch: 1, QueueSize: 4})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Start(ctx))

	slow, err := p.Submit(Request{ID: "slow"})
	require.NoError(t, err)
	<-started
	queued, err := p.Submit(Request{ID: "queued"})
	require.NoError(t, err)

	cancel()
	assert.ErrorIs(t, wait(t, slow).Err, context.Canceled)
	assert.ErrorIs(t, wait(t, queued).Err, ErrStopped)

	require.Eventually(t, func() bool {
		_, err := p.Submit(Request{ID: "late"})
		return errors.Is(err, ErrStopped)
	}, 5*time.Second, 10*time.Millisecond)
	p.Stop()
}
