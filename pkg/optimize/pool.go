package optimize

import (
	"sync"
)

// BytePool recycles fixed size buffers, one pool per chunk size.
type BytePool struct {
	pool sync.Pool
	size int
}

// NewBytePool creates a pool of size byte buffers
func NewBytePool(size int) *BytePool {
	return &BytePool{
		size: size,
		pool: sync.Pool{
			New: func() interface{} {
				b := make([]byte, size)
				return &b
			},
		},
	}
}

func (p *BytePool) Size() int {
	return p.size
}

// Get returns a buffer of exactly Size bytes. Contents are undefined.
func (p *BytePool) Get() []byte {
	return (*p.pool.Get().(*[]byte))[:p.size]
}

// Put returns a buffer to the pool. Buffers smaller than Size are dropped.
func (p *BytePool) Put(b []byte) {
	if cap(b) < p.size {
		return
	}
	b = b[:p.size]
	p.pool.Put(&b)
}
