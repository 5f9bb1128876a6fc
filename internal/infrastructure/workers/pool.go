package workers

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
)

var ErrPoolClosed = errors.New("worker pool closed")

// Func is the work applied to one chunk.
type Func func(index uint32, data []byte) ([]byte, error)

type Result struct {
	Index uint32
	Data  []byte
	Err   error
}

type job struct {
	index  uint32
	data   []byte
	result chan<- Result
}

// Pool runs Func on a fixed set of goroutines. Jobs and results are
// correlated by chunk index.
type Pool struct {
	size     int
	fn       Func
	jobs     chan job
	stopChan chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewPool creates a pool of size workers; size <= 0 uses GOMAXPROCS.
func NewPool(size int, fn Func) *Pool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	return &Pool{
		size:     size,
		fn:       fn,
		jobs:     make(chan job),
		stopChan: make(chan struct{}),
	}
}

func (p *Pool) Size() int {
	return p.size
}

// Start launches the workers. Calling it more than once is a no-op.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true

	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.run()
	}
}

func (p *Pool) run() {
	defer p.wg.Done()
	for {
		select {
		case j := <-p.jobs:
			j.result <- p.execute(j)
		case <-p.stopChan:
			return
		}
	}
}

func (p *Pool) execute(j job) (res Result) {
	res.Index = j.index
	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("worker panic on chunk %d: %v", j.index, r)
		}
	}()
	res.Data, res.Err = p.fn(j.index, j.data)
	return res
}

// Process hands one chunk to the pool and waits for its result.
func (p *Pool) Process(ctx context.Context, index uint32, data []byte) ([]byte, error) {
	result := make(chan Result, 1)
	select {
	case p.jobs <- job{index: index, data: data, result: result}:
	case <-p.stopChan:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-result:
		return res.Data, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the workers after their current job and waits for them.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopChan)
	p.mu.Unlock()

	p.wg.Wait()
}
