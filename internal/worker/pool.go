// Package worker runs background jobs on a fixed set of goroutines with bounded
// queues. Jobs that share a key always land on the same goroutine, so they run
// one at a time and in submission order.
package worker

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/iamasit07/souqchat/internal/domain"
)

var ErrPoolClosed = errors.New("worker pool closed")

// Job receives the pool context, which is cancelled when Shutdown gives up waiting.
type Job func(ctx context.Context)

type Pool struct {
	name   string
	queues []chan Job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// New starts workers goroutines, each owning a queue of queueSize pending jobs.
func New(name string, workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:   name,
		queues: make([]chan Job, workers),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := range p.queues {
		p.queues[i] = make(chan Job, queueSize)
		p.wg.Add(1)
		go p.run(p.queues[i])
	}
	return p
}

func (p *Pool) run(queue chan Job) {
	defer p.wg.Done()
	for job := range queue {
		p.execute(job)
	}
}

func (p *Pool) execute(job Job) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[WORKER] %s: job panicked: %v", p.name, r)
		}
	}()
	job(p.ctx)
}

// Submit enqueues job on the partition owning key without blocking.
// It returns domain.ErrQueueFull when that partition is saturated.
func (p *Pool) Submit(key string, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	queue := p.queues[xxhash.Sum64String(key)%uint64(len(p.queues))]
	select {
	case queue <- job:
		return nil
	default:
		return domain.ErrQueueFull
	}
}

// Shutdown stops accepting jobs and waits for queued ones to finish. When ctx
// expires first, running jobs see their context cancelled.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
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
		<-done
		return ctx.Err()
	}
}
