// Package batch queues generation requests and runs them in bounded
// batches. A request's failure is reported on its own result channel and
// never affects the other requests of its batch.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/quarrel-core/internal/logger"
	"github.com/23skdu/quarrel-core/internal/metrics"
)

var (
	ErrQueueFull = errors.New("request queue is full")
	ErrStopped   = errors.New("batch processor stopped")
)

type Request struct {
	ID     string
	Tokens []int
}

type Result struct {
	ID       string
	Tokens   []int
	Err      error
	Duration time.Duration
}

// HandlerFunc processes one request. It runs concurrently with the other
// requests of its batch.
type HandlerFunc func(ctx context.Context, req Request) ([]int, error)

type Config struct {
	MaxBatch  int
	QueueSize int
	Collector metrics.Collector
}

func DefaultConfig() Config {
	return Config{MaxBatch: 8, QueueSize: 100}
}

type pending struct {
	req    Request
	result chan Result
}

type Processor struct {
	handler   HandlerFunc
	maxBatch  int
	queue     chan pending
	collector metrics.Collector
	log       *logger.Logger

	mu      sync.Mutex
	running bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(handler HandlerFunc, cfg Config) (*Processor, error) {
	if handler == nil {
		return nil, fmt.Errorf("batch handler is nil")
	}
	if cfg.MaxBatch <= 0 {
		return nil, fmt.Errorf("invalid max_batch: %d (must be positive)", cfg.MaxBatch)
	}
	if cfg.QueueSize <= 0 {
		return nil, fmt.Errorf("invalid queue_size: %d (must be positive)", cfg.QueueSize)
	}
	return &Processor{
		handler:   handler,
		maxBatch:  cfg.MaxBatch,
		queue:     make(chan pending, cfg.QueueSize),
		collector: metrics.OrNop(cfg.Collector),
		log:       logger.Log.With("batch"),
	}, nil
}

// Submit enqueues req without blocking. The returned channel delivers
// exactly one Result.
func (p *Processor) Submit(req Request) (<-chan Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil, ErrStopped
	}
	item := pending{req: req, result: make(chan Result, 1)}
	select {
	case p.queue <- item:
		p.collector.SetQueueDepth(len(p.queue))
		return item.result, nil
	default:
		p.collector.IncRequest("rejected")
		return nil, fmt.Errorf("%w: %d requests waiting", ErrQueueFull, cap(p.queue))
	}
}

// QueueLen reports requests waiting for a batch.
func (p *Processor) QueueLen() int {
	return len(p.queue)
}

// Start launches the batching loop. It returns immediately; the loop runs
// until ctx is cancelled or Stop is called. Either way the processor is
// stopped afterwards: Submit returns ErrStopped and queued requests fail.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	if p.running {
		return fmt.Errorf("batch processor already running")
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	p.running = true
	p.log.Info("batch processor started", "max_batch", p.maxBatch, "queue_size", cap(p.queue))
	go p.loop(ctx)
	return nil
}

// Stop ends the loop after the in-flight batch and fails every request
// still queued with ErrStopped.
func (p *Processor) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
		return
	}
	p.log.Info("batch processor stopped", "dropped", p.drain())
}

// shutdown refuses new requests and fails the queued ones.
func (p *Processor) shutdown() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.log.Info("batch processor stopped", "dropped", p.drain())
}

func (p *Processor) drain() int {
	n := 0
	for {
		select {
		case item := <-p.queue:
			item.result <- Result{ID: item.req.ID, Err: ErrStopped}
			p.collector.IncRequest("stopped")
			n++
		default:
			p.collector.SetQueueDepth(0)
			return n
		}
	}
}

// loop exits when ctx is done, whether through Stop or the parent context,
// and shuts the processor down on its way out.
func (p *Processor) loop(ctx context.Context) {
	defer close(p.done)
	defer p.shutdown()
	for {
		if ctx.Err() != nil {
			return
		}
		var first pending
		select {
		case <-ctx.Done():
			return
		case first = <-p.queue:
		}

		items := append(make([]pending, 0, p.maxBatch), first)
	collect:
		for len(items) < p.maxBatch {
			select {
			case item := <-p.queue:
				items = append(items, item)
			default:
				break collect
			}
		}
		p.collector.SetQueueDepth(len(p.queue))
		p.run(ctx, items)
	}
}

func (p *Processor) run(ctx context.Context, items []pending) {
	defer metrics.Time(p.collector, "batch")()
	p.log.Debug("processing batch", "size", len(items))

	var g errgroup.Group
	for _, item := range items {
		g.Go(func() error {
			item.result <- p.handle(ctx, item.req)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Processor) handle(ctx context.Context, req Request) (res Result) {
	start := time.Now()
	res.ID = req.ID
	defer func() {
		if r := recover(); r != nil {
			res.Tokens = nil
			res.Err = fmt.Errorf("request %s panicked: %v", req.ID, r)
		}
		res.Duration = time.Since(start)
		if res.Err != nil {
			p.log.Warn("request failed", "id", req.ID, "error", res.Err)
			p.collector.IncRequest("error")
		} else {
			p.collector.IncRequest("ok")
		}
	}()
	res.Tokens, res.Err = p.handler(ctx, req)
	return res
}
