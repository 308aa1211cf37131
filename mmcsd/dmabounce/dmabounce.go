// MMC/SD block device core driver
// https://github.com/usbarmory/go-mmcsd
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package dmabounce provides a first-fit allocator handing out aligned
// scratch buffers for callers whose own buffer does not meet a Host's DMA
// alignment requirement (see mmcsd/host.Capabilities.DMAAlignment).
//
// This restates the allocation algorithm of the teacher's physical-memory
// DMA allocator (github.com/usbarmory/tamago/dma) over a plain []byte
// arena: this module cannot assume it owns a slice of physical memory the
// way bare-metal tamago code does, since it may equally run against a
// simulated Host in userspace tests, so blocks are identified by offset
// into the arena rather than by physical address.
package dmabounce

import (
	"container/list"
	"fmt"
	"sync"
)

type block struct {
	off  int
	size int
}

// Pool is an arena of memory reserved for bounce buffers.
type Pool struct {
	mu sync.Mutex

	arena      []byte
	freeBlocks *list.List
	usedBlocks map[int]*block
}

// NewPool allocates an arena of the given size and returns a ready to use
// Pool. A Pool with a zero-size arena is valid and simply always reports
// ErrOutOfSpace, useful for hosts that never need bouncing.
func NewPool(size int) *Pool {
	p := &Pool{
		arena:      make([]byte, size),
		freeBlocks: list.New(),
		usedBlocks: make(map[int]*block),
	}

	if size > 0 {
		p.freeBlocks.PushFront(&block{off: 0, size: size})
	}

	return p
}

// ErrOutOfSpace is returned when the pool's arena has no free block large
// enough (after alignment padding) to satisfy a request.
var ErrOutOfSpace = fmt.Errorf("dmabounce: out of space")

// alloc finds the first free block that, after rounding its start up to
// align, still has room for size bytes - the same first-fit-with-padding
// search as the teacher's dma.Region.alloc.
func (p *Pool) alloc(size int, align int) (*block, error) {
	if align <= 0 {
		align = 1
	}

	for e := p.freeBlocks.Front(); e != nil; e = e.Next() {
		b := e.Value.(*block)

		pad := 0
		if rem := b.off % align; rem != 0 {
			pad = align - rem
		}

		if b.size < size+pad {
			continue
		}

		p.freeBlocks.Remove(e)

		if pad > 0 {
			p.freeBlocks.PushBack(&block{off: b.off, size: pad})
		}

		used := &block{off: b.off + pad, size: size}

		if rest := b.size - size - pad; rest > 0 {
			p.freeBlocks.PushBack(&block{off: used.off + size, size: rest})
		}

		return used, nil
	}

	return nil, ErrOutOfSpace
}

func (p *Pool) free(b *block) {
	p.freeBlocks.PushFront(&block{off: b.off, size: b.size})
	p.defrag()
}

// defrag merges adjacent free blocks, keeping the arena from fragmenting
// into unusably small pieces under repeated alloc/free churn.
func (p *Pool) defrag() {
	merged := true

	for merged {
		merged = false

		for e1 := p.freeBlocks.Front(); e1 != nil; e1 = e1.Next() {
			b1 := e1.Value.(*block)

			for e2 := p.freeBlocks.Front(); e2 != nil; e2 = e2.Next() {
				if e1 == e2 {
					continue
				}

				b2 := e2.Value.(*block)

				if b1.off+b1.size == b2.off {
					b1.size += b2.size
					p.freeBlocks.Remove(e2)
					merged = true

					break
				}
			}

			if merged {
				break
			}
		}
	}
}

// Buffer is a scratch allocation handed out by Prepare.
type Buffer struct {
	pool    *Pool
	b       *block
	bounced bool
	orig    []byte
}

// Bytes returns the slice to hand to a Host's Execute call.
func (buf *Buffer) Bytes() []byte {
	if !buf.bounced {
		return buf.orig
	}

	return buf.pool.arena[buf.b.off : buf.b.off+buf.b.size]
}

// Bounced reports whether Prepare had to allocate a scratch buffer rather
// than using the caller's slice directly.
func (buf *Buffer) Bounced() bool { return buf.bounced }

// Release returns a bounced buffer's arena space to the pool. For a read
// transfer it first copies the arena contents back into the caller's
// original slice. No-op, and safe to call, on a non-bounced Buffer.
func (buf *Buffer) Release(isRead bool) {
	if !buf.bounced {
		return
	}

	if isRead {
		copy(buf.orig, buf.pool.arena[buf.b.off:buf.b.off+buf.b.size])
	}

	buf.pool.mu.Lock()
	buf.pool.free(buf.b)
	delete(buf.pool.usedBlocks, buf.b.off)
	buf.pool.mu.Unlock()
}

// aligned reports whether data already satisfies the given byte alignment,
// both in its backing address granularity (approximated here by length,
// since this package has no physical address to inspect - offset alignment
// within a caller-managed slice is the caller's concern) and size.
func aligned(size int, align int) bool {
	if align <= 1 {
		return true
	}

	return size%align == 0
}

// Prepare returns a Buffer ready for a data phase of the given size. If
// data already meets align (and isWrite data has already been populated by
// the caller), the returned Buffer wraps data directly with no copy. Fails
// with ErrOutOfSpace if the pool's arena is exhausted.
func (p *Pool) Prepare(data []byte, align int, isWrite bool) (*Buffer, error) {
	if aligned(len(data), align) {
		return &Buffer{pool: p, orig: data}, nil
	}

	p.mu.Lock()
	b, err := p.alloc(len(data), align)
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.usedBlocks[b.off] = b
	p.mu.Unlock()

	buf := &Buffer{pool: p, b: b, bounced: true, orig: data}

	if isWrite {
		copy(p.arena[b.off:b.off+b.size], data)
	}

	return buf, nil
}
