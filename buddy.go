// Copyright 2026 The Buddy Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*

Package buddy implements a power-of-two buddy memory allocator over an
abstract, sbrk-managed storage Region.

A Heap manages the address range [base, break) of a Region. The range holds,
in order: a fixed size header, a status bitmap with one bit per node of the
complete buddy tree, and the user area of 1<<initial bytes. The break is
advanced and retracted through the Region's Sbrk primitive only: allocations
reaching above the current break grow the region, and freeing trailing space
shrinks it again. Shrinking a block in place with Realloc leaves the break
where it is; the next Free retracts it to the highest allocation.

Blocks are power-of-two sized, between 1<<min and 1<<initial bytes. An
allocation request is rounded up to the next power of two and satisfied by
the lowest addressed free block of that size, splitting a larger block when
needed. Freeing a block eagerly merges it with its buddy, recursively, and
then retracts the break to the end of the trailing-most remaining
allocation.

"Pointers" returned by Malloc are absolute byte offsets into the Region; 0
is the nil pointer. The header and bitmap are written through to the Region
on every mutation, so a heap can be re-attached to its Region with OpenHeap
and carried across process lifetimes by Snapshot and Restore.

The terms MUST or MUST NOT, if/where used in the documentation of Heap,
written in all caps as seen here, are a requirement for any possible
alternative implementations aiming for compatibility with this one.

A Heap is not safe for concurrent use. The Region's Sbrk MUST NOT call back
into the Heap.

*/
package buddy

import (
	"fmt"
	"io"

	"modernc.org/mathutil"
)

// Header layout within the region, starting at base. All multi byte fields
// are stored in network byte order. The layout matches hdrSize exactly; the
// slack bytes MUST be zero.
const (
	oInitial     = 0  // initial order, 1 byte
	oMin         = 1  // minimum order, 1 byte
	oNumBlocks   = 4  // tree node count, 4 bytes
	oBreak       = 8  // current break, 8 bytes
	oLastUsed    = 16 // last used block index, 4 bytes
	oAllowShrink = 20 // bool, 1 byte
	oTempBreak   = 24 // deferred break, 8 bytes; 0 = none
	oStart       = 32 // user area start, 8 bytes

	hdrSize = 40
)

// Free blocks of at least punchRq bytes lying fully below the break have
// their backing store released, where the Region supports that.
const punchRq = 1 << 16

// A Heap is a buddy allocator attached to a Region. Heap fields mirror the
// header persisted at base; the Region image is authoritative and every
// mutation is written through.
type Heap struct {
	r           Region
	base        int64
	initial     byte
	min         byte
	numBlocks   uint32
	curBreak    int64
	lastUsed    uint32 // == numBlocks when nothing is allocated
	allowShrink bool
	tempBreak   int64 // != 0: retraction deferred by Realloc
	start       int64
}

// NewHeap initializes a new heap at base, which must equal the current break
// of r. It extends the region to cover the header and the status bitmap; the
// user area is acquired lazily as allocations demand it. 1<<initial is the
// total managed size, 1<<min the smallest allocatable block.
func NewHeap(r Region, base int64, initial, min byte) (h *Heap, err error) {
	switch {
	case initial >= 32 || min > initial:
		return nil, &ErrINVAL{"buddy.NewHeap: invalid orders", fmt.Sprintf("initial %d, min %d", initial, min)}
	case base < 0 || base != r.Size():
		return nil, &ErrINVAL{"buddy.NewHeap: base is not the region break", base}
	}

	statusSize := statusBytes(initial, min)
	if r.Sbrk(int32(hdrSize+statusSize)) == sbrkFail {
		return nil, &ErrNOMEM{"buddy.NewHeap", uint32(hdrSize + statusSize)}
	}

	n := uint32(2)<<(initial-min) - 1
	h = &Heap{
		r:           r,
		base:        base,
		initial:     initial,
		min:         min,
		numBlocks:   n,
		lastUsed:    n,
		allowShrink: true,
	}
	h.start = base + hdrSize + statusSize
	h.curBreak = h.start
	if err = h.wipe(base+hdrSize, statusSize); err != nil {
		return nil, err
	}

	if err = h.flushHeader(); err != nil {
		return nil, err
	}

	return h, nil
}

// OpenHeap re-attaches to the heap whose header is persisted at base in r.
func OpenHeap(r Region, base int64) (h *Heap, err error) {
	if base < 0 {
		return nil, &ErrINVAL{"buddy.OpenHeap: base", base}
	}

	var b [hdrSize]byte
	if n, e := r.ReadAt(b[:], base); n != len(b) {
		if e == nil || e == io.EOF {
			e = &ErrILSEQ{Type: ErrBadHeader, Off: base}
		}
		return nil, e
	}

	h = &Heap{
		r:           r,
		base:        base,
		initial:     b[oInitial],
		min:         b[oMin],
		numBlocks:   get4(b[oNumBlocks:]),
		curBreak:    get8(b[oBreak:]),
		lastUsed:    get4(b[oLastUsed:]),
		allowShrink: b[oAllowShrink] != 0,
		tempBreak:   get8(b[oTempBreak:]),
		start:       get8(b[oStart:]),
	}
	switch {
	case h.initial >= 32 || h.min > h.initial,
		h.numBlocks != uint32(2)<<(h.initial-h.min)-1,
		h.start != base+hdrSize+statusBytes(h.initial, h.min),
		h.curBreak < h.start || h.curBreak > h.start+int64(1)<<h.initial,
		h.lastUsed > h.numBlocks,
		h.tempBreak != 0,
		!h.allowShrink:
		return nil, &ErrILSEQ{Type: ErrBadHeader, Off: base}
	case r.Size() != h.curBreak:
		return nil, &ErrILSEQ{Type: ErrRegionSize, Off: h.curBreak, Arg: r.Size()}
	}

	return h, nil
}

// statusBytes returns the size of the status bitmap for the given orders.
// The extra slack byte is kept for compatibility with existing heap images.
func statusBytes(initial, min byte) int64 {
	return (int64(2)<<(initial-min))/8 + 1
}

// Start returns the first address of the user area.
func (h *Heap) Start() int64 {
	return h.start
}

// Break returns the current region end as tracked by the heap.
func (h *Heap) Break() int64 {
	return h.curBreak
}

// Malloc allocates size bytes and returns the pointer of the new block. The
// block is the lowest addressed free block of the rounded up size. Growing
// the region past the current break may fail, in which case the block is
// released again and the heap is left unchanged.
func (h *Heap) Malloc(size uint32) (ptr int64, err error) {
	if size == 0 {
		return 0, &ErrINVAL{"Heap.Malloc: zero size", size}
	}

	sz := ceilLog2(size)
	if sz > int(h.initial) {
		return 0, &ErrINVAL{"Heap.Malloc: size out of limits", size}
	}

	if sz < int(h.min) {
		sz = int(h.min)
	}

	blk, err := h.findFit(byte(sz))
	if err != nil {
		return 0, err
	}

	if blk == 0 {
		var on bool
		if on, err = h.bit(0); err != nil {
			return 0, err
		}

		if on {
			return 0, &ErrNOMEM{"Heap.Malloc", size}
		}
	}

	if blk, err = h.split(blk, byte(sz)); err != nil {
		return 0, err
	}

	ptr = h.blockPtr(blk)
	if end := ptr + int64(1)<<uint(sz); end > h.curBreak {
		if h.r.Sbrk(int32(end-h.curBreak)) == sbrkFail {
			if err = h.free(blk); err != nil {
				return 0, err
			}

			return 0, &ErrNOMEM{"Heap.Malloc: region grow failed", size}
		}

		h.curBreak = end
		h.lastUsed = blk
		if err = h.flushHeader(); err != nil {
			return 0, err
		}
	}
	return ptr, nil
}

// Free deallocates the block referred to by ptr, merges it with free buddies
// and retracts the break when trailing space became free.
//
// After Free succeeds, ptr is invalid and must not be used.
func (h *Heap) Free(ptr int64) (err error) {
	if ptr == 0 {
		return &ErrINVAL{"Heap.Free: nil pointer", ptr}
	}

	blk, err := h.blockAt(ptr)
	if err != nil {
		return
	}

	if blk >= h.numBlocks {
		return &ErrINVAL{"Heap.Free: pointer outside the user area", ptr}
	}

	ok, err := h.allocated(blk)
	if err != nil {
		return
	}

	if !ok {
		return &ErrINVAL{"Heap.Free: block is free", ptr}
	}

	return h.free(blk)
}

// Realloc resizes the block referred to by ptr to size bytes. A nil ptr acts
// as Malloc, a zero size as Free. Shrinking and same-size requests keep the
// block address; growing may move the block, copying its content. On failure
// the original block is left intact at its original address.
func (h *Heap) Realloc(ptr int64, size uint32) (newPtr int64, err error) {
	if ptr == 0 {
		return h.Malloc(size)
	}

	if size == 0 {
		if err = h.Free(ptr); err != nil {
			return 0, err
		}

		return 0, nil
	}

	sz := ceilLog2(size)
	if sz > int(h.initial) {
		return 0, &ErrINVAL{"Heap.Realloc: size out of limits", size}
	}

	if sz < int(h.min) {
		sz = int(h.min)
	}

	blk, err := h.blockAt(ptr)
	if err != nil {
		return 0, err
	}

	if blk >= h.numBlocks {
		return 0, &ErrINVAL{"Heap.Realloc: pointer outside the user area", ptr}
	}

	ok, err := h.allocated(blk)
	if err != nil {
		return 0, err
	}

	if !ok {
		return 0, &ErrINVAL{"Heap.Realloc: block is free", ptr}
	}

	oldSz := h.blockOrder(blk)
	switch {
	case byte(sz) == oldSz:
		return ptr, nil
	case byte(sz) < oldSz:
		// In place shrink. The block keeps its address: splitting
		// always descends left and blk is already marked.
		if _, err = h.split(blk, byte(sz)); err != nil {
			return 0, err
		}

		return ptr, nil
	}

	// Grow. The source bytes must survive until after the copy even though
	// the block is freed first, so retraction of the break is deferred.
	oldSize := int64(1) << oldSz
	lastUsed := h.lastUsed
	h.allowShrink = false
	h.tempBreak = 0
	if err = h.free(blk); err != nil {
		h.allowShrink = true
		return 0, err
	}

	if newPtr, err = h.Malloc(size); err != nil {
		// Re-mark the path to the original block, undoing the free.
		// No bytes were touched: shrinking and hole punching were
		// both suppressed.
		if e := h.reclaim(blk); e != nil {
			return 0, e
		}

		h.lastUsed = lastUsed
		h.tempBreak = 0
		h.allowShrink = true
		if e := h.flushHeader(); e != nil {
			return 0, e
		}

		return 0, err
	}

	if newPtr != ptr {
		if err = h.memcopy(newPtr, ptr, oldSize); err != nil {
			return 0, err
		}
	}

	if h.tempBreak != 0 {
		// The deferred value may be stale: the new block can reach
		// beyond it. Recompute the trailing end before retracting.
		if err = h.markLastUsed(); err != nil {
			return 0, err
		}

		end := h.start
		if h.lastUsed < h.numBlocks {
			end = h.blockPtr(h.lastUsed) + int64(1)<<h.blockOrder(h.lastUsed)
		}
		if end < h.curBreak {
			h.r.Sbrk(int32(end - h.curBreak)) // best-effort
			h.curBreak = end
		}
		h.tempBreak = 0
	}
	h.allowShrink = true
	if err = h.flushHeader(); err != nil {
		return 0, err
	}

	return newPtr, nil
}

// Info writes one line per undivided block to w, in ascending address order:
// either "free <size>" or "allocated <size>".
func (h *Heap) Info(w io.Writer) error {
	return h.info(w, 0, int64(1)<<h.initial)
}

func (h *Heap) info(w io.Writer, blk uint32, size int64) (err error) {
	if l := left(blk); l < h.numBlocks {
		var lon, ron bool
		if lon, err = h.bit(l); err != nil {
			return
		}

		if ron, err = h.bit(l + 1); err != nil {
			return
		}

		if lon || ron { // split, descend
			if err = h.info(w, l, size>>1); err != nil {
				return
			}

			return h.info(w, l+1, size>>1)
		}
	}

	on, err := h.bit(blk)
	if err != nil {
		return
	}

	if on {
		_, err = fmt.Fprintf(w, "allocated %d\n", size)
		return
	}

	_, err = fmt.Fprintf(w, "free %d\n", size)
	return
}

// findFit locates the lowest free block of order sz, preferring buddies left
// over by earlier splits. Sibling pairs with equal bits are either both busy
// or an unsplit whole; both cases are resolved one order up, where the whole
// appears as the free half of an unequal pair or, at the top, as the free
// root. A zero result means the root, the caller MUST check the root bit.
func (h *Heap) findFit(sz byte) (blk uint32, err error) {
	start := uint32(1)<<(h.initial-sz) - 1
	end := start << 1
	for i := start; i < end; i += 2 {
		var a, b bool
		if a, err = h.bit(i); err != nil {
			return
		}

		if b, err = h.bit(i + 1); err != nil {
			return
		}

		if a != b {
			if a {
				return i + 1, nil
			}

			return i, nil
		}
	}

	if sz < h.initial {
		return h.findFit(sz + 1)
	}

	return 0, nil
}

// split marks blk and descends left until a block of order want remains,
// marking the spine. Returns the block of order want starting at blk's
// offset.
func (h *Heap) split(blk uint32, want byte) (r uint32, err error) {
	sz := h.blockOrder(blk)
	if err = h.setBit(blk); err != nil {
		return
	}

	for ; sz > want; sz-- {
		blk = left(blk)
		if err = h.setBit(blk); err != nil {
			return
		}
	}
	return blk, nil
}

// free clears blk, merges it with free buddies all the way up, recomputes
// the trailing-most allocation and retracts the break over any trailing free
// space - immediately when shrinking is allowed, else deferred through
// tempBreak.
func (h *Heap) free(blk uint32) (err error) {
	if err = h.clearBit(blk); err != nil {
		return
	}

	for blk > 0 {
		var on bool
		if on, err = h.bit(buddyOf(blk)); err != nil {
			return
		}

		if on {
			break
		}

		blk = parent(blk)
		if err = h.clearBit(blk); err != nil {
			return
		}
	}

	if err = h.markLastUsed(); err != nil {
		return
	}

	end := h.start
	if h.lastUsed < h.numBlocks {
		end = h.blockPtr(h.lastUsed) + int64(1)<<h.blockOrder(h.lastUsed)
	}

	if end < h.curBreak {
		switch {
		case h.allowShrink:
			h.r.Sbrk(int32(end - h.curBreak)) // best-effort
			h.curBreak = end
		default:
			h.tempBreak = end
		}
	}

	if h.allowShrink {
		// Release the backing store of a large merged free block. Only
		// the part below the break is real; anything above was already
		// retracted.
		fptr := h.blockPtr(blk)
		fend := fptr + int64(1)<<h.blockOrder(blk)
		if pend := mathutil.MinInt64(fend, h.curBreak); pend-fptr >= punchRq {
			h.r.PunchHole(fptr, pend-fptr)
		}
	}

	return h.flushHeader()
}

// markLastUsed recomputes lastUsed as the allocated block with the greatest
// end offset, or numBlocks when the heap is empty.
func (h *Heap) markLastUsed() (err error) {
	blk, found, err := h.lastAlloc(0)
	if err != nil {
		return
	}

	if !found {
		h.lastUsed = h.numBlocks
		return
	}

	h.lastUsed = blk
	return
}

// lastAlloc returns the allocated block below blk with the greatest end
// offset. found is false when the subtree holds no allocation.
func (h *Heap) lastAlloc(blk uint32) (r uint32, found bool, err error) {
	on, err := h.bit(blk)
	if err != nil || !on {
		return 0, false, err
	}

	if l := left(blk); l < h.numBlocks {
		var lon, ron bool
		if lon, err = h.bit(l); err != nil {
			return
		}

		if ron, err = h.bit(l + 1); err != nil {
			return
		}

		if lon || ron { // split, the trailing allocation is in the rightmost marked subtree
			if ron {
				return h.lastAlloc(l + 1)
			}

			return h.lastAlloc(l)
		}
	}
	return blk, true, nil
}

// reclaim re-marks the path from the root to blk, undoing a free that may
// have merged blk into an ancestor. The caller guarantees no other mutation
// happened in between.
func (h *Heap) reclaim(blk uint32) (err error) {
	for {
		if err = h.setBit(blk); err != nil || blk == 0 {
			return
		}

		blk = parent(blk)
	}
}

// memcopy copies size bytes within the region from src to dst. The ranges
// either coincide, are disjoint, or dst < src, so an ascending copy is safe.
func (h *Heap) memcopy(dst, src, size int64) (err error) {
	var buf [pgSize]byte
	for size > 0 {
		n := mathutil.MinInt64(size, pgSize)
		if err = h.read(buf[:n], src); err != nil {
			return
		}

		if _, err = h.r.WriteAt(buf[:n], dst); err != nil {
			return
		}

		src += n
		dst += n
		size -= n
	}
	return
}

// read fills b from the region at off. Reading up to the break exactly is
// not an error.
func (h *Heap) read(b []byte, off int64) (err error) {
	n, err := h.r.ReadAt(b, off)
	if n == len(b) {
		return nil
	}

	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return
}

// wipe zeroes size bytes of the region at off.
func (h *Heap) wipe(off, size int64) (err error) {
	for size > 0 {
		n := mathutil.MinInt64(size, pgSize)
		if _, err = h.r.WriteAt(zeroPage[:n], off); err != nil {
			return
		}

		off += n
		size -= n
	}
	return
}

// flushHeader writes the cached header through to the region.
func (h *Heap) flushHeader() (err error) {
	var b [hdrSize]byte
	b[oInitial] = h.initial
	b[oMin] = h.min
	put4(b[oNumBlocks:], h.numBlocks)
	put8(b[oBreak:], h.curBreak)
	put4(b[oLastUsed:], h.lastUsed)
	if h.allowShrink {
		b[oAllowShrink] = 1
	}
	put8(b[oTempBreak:], h.tempBreak)
	put8(b[oStart:], h.start)
	_, err = h.r.WriteAt(b[:], h.base)
	return
}

func put4(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func get4(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func put8(b []byte, v int64) {
	put4(b, uint32(v>>32))
	put4(b[4:], uint32(v))
}

func get8(b []byte) int64 {
	return int64(get4(b))<<32 | int64(get4(b[4:]))
}
