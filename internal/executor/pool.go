package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Amund211/asyncrefresh/internal/logging"
	"github.com/gammazero/channelqueue"
)

var ErrClosed = errors.New("executor closed")

type Task func(ctx context.Context)

type Executor interface {
	Submit(task Task) error
}

// Pool runs submitted tasks on a fixed number of worker goroutines.
// Tasks are queued without bound, so Submit never waits for a free worker.
type Pool struct {
	queue  *channelqueue.ChannelQueue[Task]
	ctx    context.Context
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool

	workers sync.WaitGroup
}

func New(size int, logger *slog.Logger) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("executor: pool size must be positive, got %d", size)
	}

	p := &Pool{
		queue:  channelqueue.New[Task](-1),
		ctx:    logging.AddToContext(context.Background(), logger),
		logger: logger,
	}

	p.workers.Add(size)
	for range size {
		go p.work()
	}

	return p, nil
}

func (p *Pool) work() {
	defer p.workers.Done()

	for task := range p.queue.Out() {
		p.run(task)
	}
}

func (p *Pool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Executor task panicked", "panic", fmt.Sprint(r))
		}
	}()

	task(p.ctx)
}

func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrClosed
	}

	p.queue.In() <- task
	return nil
}

// Len returns the number of tasks waiting for a worker
func (p *Pool) Len() int {
	return p.queue.Len()
}

// Close stops accepting tasks and waits for queued and running tasks to finish
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		p.queue.Close()
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("executor: waiting for workers: %w", ctx.Err())
	}
}

type unbounded struct {
	ctx context.Context
}

// Unbounded returns an Executor that runs every task on its own goroutine
func Unbounded(logger *slog.Logger) Executor {
	return &unbounded{ctx: logging.AddToContext(context.Background(), logger)}
}

func (u *unbounded) Submit(task Task) error {
	go task(u.ctx)
	return nil
}
