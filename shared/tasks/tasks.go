// Package tasks runs best-effort side effects off the request path.
package tasks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Task is one unit of background work.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Dispatcher accepts background work.
type Dispatcher interface {
	Dispatch(t Task)
}

// Inline runs tasks synchronously on the caller's goroutine. Tests use it to
// observe side effects deterministically.
type Inline struct {
	Log       zerolog.Logger
	OnFailure func(name string, err error)
}

func (d Inline) Dispatch(t Task) {
	if err := t.Run(context.Background()); err != nil {
		d.Log.Warn().Err(err).Str("task", t.Name).Msg("side effect failed")
		if d.OnFailure != nil {
			d.OnFailure(t.Name, err)
		}
	}
}

// Pool is a bounded worker pool. Dispatch never blocks: when the queue is
// full the task is dropped and reported.
type Pool struct {
	queue     chan Task
	log       zerolog.Logger
	timeout   time.Duration
	onFailure func(name string, err error)
	onDrop    func(name string)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// PoolConfig sizes a Pool.
type PoolConfig struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration // per task, defaults to 10s
	OnFailure func(name string, err error)
	OnDrop    func(name string)
}

// NewPool starts the workers.
func NewPool(cfg PoolConfig, log zerolog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		queue:     make(chan Task, cfg.QueueSize),
		log:       log,
		timeout:   cfg.Timeout,
		onFailure: cfg.OnFailure,
		onDrop:    cfg.OnDrop,
		ctx:       ctx,
		cancel:    cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) Dispatch(t Task) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.drop(t.Name)
		return
	}
	select {
	case p.queue <- t:
	default:
		p.drop(t.Name)
	}
}

func (p *Pool) drop(name string) {
	p.log.Warn().Str("task", name).Msg("side effect dropped")
	if p.onDrop != nil {
		p.onDrop(name)
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for t := range p.queue {
		p.run(t)
	}
}

func (p *Pool) run(t Task) {
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Str("task", t.Name).Msg("side effect panicked")
			if p.onFailure != nil {
				p.onFailure(t.Name, errPanic)
			}
		}
	}()

	if err := t.Run(ctx); err != nil {
		p.log.Warn().Err(err).Str("task", t.Name).Msg("side effect failed")
		if p.onFailure != nil {
			p.onFailure(t.Name, err)
		}
	}
}

// Close stops accepting tasks and waits for queued ones to finish or for ctx
// to expire, whichever comes first.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}

var errPanic = errors.New("task panicked")
