package wss

import (
	"sync"
	"sync/atomic"

	"github.com/gobwas/pool/pbytes"
)

const (
	// defaultBufferSize is handed out when a caller rents without a size
	// hint, and is the smallest capacity GrowBytes grows to.
	defaultBufferSize = 4096

	minRuneBucket = 9  // 512 runes
	maxRuneBucket = 24 // 16M runes
)

// bufferPool hands out reusable byte and rune buffers. Byte buffers come
// from a power-of-two bucketed pbytes pool; rune buffers from sync.Pool
// buckets, since pbytes is byte-only. The rented counter exists so tests
// can assert that every rent is matched by a release.
type bufferPool struct {
	bytes  *pbytes.Pool
	runes  [maxRuneBucket + 1]sync.Pool
	rented atomic.Int64
}

func newBufferPool() *bufferPool {
	return &bufferPool{bytes: pbytes.New(defaultBufferSize, 1<<20)}
}

// pool is process-wide; rent/release must be safe from any goroutine.
var bufPool = newBufferPool()

// RentBytes returns a buffer of length >= min. A min of zero or less
// means the default size.
func (p *bufferPool) RentBytes(min int) []byte {
	if min <= 0 {
		min = defaultBufferSize
	}
	p.rented.Add(1)
	b := p.bytes.GetCap(ceilPow2(min))
	return b[:cap(b)]
}

// ReleaseBytes returns a buffer obtained from RentBytes or GrowBytes.
// Releasing the same buffer twice is forbidden.
func (p *bufferPool) ReleaseBytes(b []byte) {
	p.rented.Add(-1)
	p.bytes.Put(b)
}

// GrowBytes doubles the buffer, preserving the first used bytes and
// releasing the old buffer. If the buffer already has room for used*2 it
// is returned unchanged.
func (p *bufferPool) GrowBytes(b []byte, used int) []byte {
	need := used * 2
	if need < defaultBufferSize {
		need = defaultBufferSize
	}
	if cap(b) >= need {
		return b[:cap(b)]
	}
	nb := p.RentBytes(need)
	copy(nb, b[:used])
	p.ReleaseBytes(b)
	return nb
}

// RentRunes returns a rune buffer of length >= min.
func (p *bufferPool) RentRunes(min int) []rune {
	if min < 1 {
		min = 1
	}
	i := runeBucket(min)
	p.rented.Add(1)
	if i > maxRuneBucket {
		return make([]rune, min)
	}
	if v := p.runes[i].Get(); v != nil {
		return v.([]rune)
	}
	return make([]rune, 1<<i)
}

// ReleaseRunes returns a buffer obtained from RentRunes.
func (p *bufferPool) ReleaseRunes(r []rune) {
	p.rented.Add(-1)
	n := cap(r)
	if n == 0 || n&(n-1) != 0 {
		return // oversized one-off allocation, let it go
	}
	i := runeBucket(n)
	if i > maxRuneBucket || 1<<i != n {
		return
	}
	p.runes[i].Put(r[:n])
}

// Rented reports the number of outstanding buffers.
func (p *bufferPool) Rented() int64 { return p.rented.Load() }

func runeBucket(n int) int {
	i := minRuneBucket
	for 1<<i < n {
		i++
	}
	return i
}

func ceilPow2(n int) int {
	c := 1
	for c < n {
		c <<= 1
	}
	return c
}
