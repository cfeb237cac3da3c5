// Package bufpool recycles chunk payload buffers. Every chunk decode on
// the upload path needs a scratch buffer of the session's chunk size;
// pooling them keeps a busy server from churning the GC.
package bufpool

import "sync"

// Pool hands out byte buffers of a fixed capacity.
type Pool struct {
	pool sync.Pool
	size int
}

// New creates a pool of buffers with capacity size.
func New(size int) *Pool {
	if size <= 0 {
		panic("bufpool: size must be positive")
	}
	p := &Pool{size: size}
	p.pool.New = func() any {
		return make([]byte, size)
	}
	return p
}

// Get returns a buffer of exactly the pool size. Contents are
// unspecified; callers overwrite before reading.
func (p *Pool) Get() []byte {
	buf := p.pool.Get().([]byte)
	if cap(buf) < p.size {
		return make([]byte, p.size)
	}
	return buf[:p.size]
}

// Put recycles a buffer obtained from Get. Undersized buffers are
// dropped rather than poisoning the pool.
func (p *Pool) Put(buf []byte) {
	if cap(buf) < p.size {
		return
	}
	p.pool.Put(buf[:cap(buf)])
}

// Size returns the buffer capacity this pool serves.
func (p *Pool) Size() int {
	return p.size
}
