package consumer

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
)

// ErrPoolClosed is returned by Submit once Close has been called.
var ErrPoolClosed = errors.New("worker pool closed")

// Pool runs tasks on a fixed set of workers. Tasks submitted with the same key
// run on the same worker, in submission order. Each worker has a bounded
// queue; Submit blocks while the queue is full.
type Pool struct {
	shards []chan func()
	quit   chan struct{}
	once   sync.Once
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewPool starts workers goroutines, each with a queue of queueSize tasks.
func NewPool(workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	p := &Pool{
		shards: make([]chan func(), workers),
		quit:   make(chan struct{}),
	}
	for i := range p.shards {
		ch := make(chan func(), queueSize)
		p.shards[i] = ch
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for task := range ch {
				task()
			}
		}()
	}
	return p
}

func (p *Pool) shard(key string) chan func() {
	h := fnv.New32a()
	h.Write([]byte(key)) //nolint:errcheck
	return p.shards[h.Sum32()%uint32(len(p.shards))]
}

// Submit enqueues task on the worker owning key. It returns ctx.Err() if ctx
// ends first and ErrPoolClosed if the pool is closing.
func (p *Pool) Submit(ctx context.Context, key string, task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.shard(key) <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrPoolClosed
	}
}

// Close stops accepting tasks and waits for queued ones to finish.
func (p *Pool) Close() {
	p.once.Do(func() {
		close(p.quit)
		p.mu.Lock()
		p.closed = true
		for _, ch := range p.shards {
			close(ch)
		}
		p.mu.Unlock()
	})
	p.wg.Wait()
}
