// Copyright 2026 The Buddy Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package buddy

import (
	"bytes"
	"io"
	"os"
	"testing"
)

func newTestHeap(t testing.TB, initial, min byte) (*Heap, *MemRegion) {
	f := NewMemRegion()
	h, err := NewHeap(f, 0, initial, min)
	if err != nil {
		t.Fatal(err)
	}

	return h, f
}

func dumpStr(t *testing.T, h *Heap) string {
	var b bytes.Buffer
	if err := h.Info(&b); err != nil {
		t.Fatal(err)
	}

	return b.String()
}

func verify(t *testing.T, h *Heap) {
	if err := h.Verify(func(err error) bool {
		t.Error(err)
		return true
	}); err != nil {
		t.Fatal(err)
	}
}

func TestNewHeap(t *testing.T) {
	h, f := newTestHeap(t, 15, 12)
	if g, e := h.Break(), h.Start(); g != e {
		t.Fatal(g, e)
	}

	if g, e := f.Size(), h.Start(); g != e {
		t.Fatal(g, e)
	}

	if g, e := dumpStr(t, h), "free 32768\n"; g != e {
		t.Fatalf("%q %q", g, e)
	}

	verify(t, h)
}

func TestNewHeapInvalid(t *testing.T) {
	f := NewMemRegion()
	if _, err := NewHeap(f, 0, 32, 12); err == nil {
		t.Fatal("unexpected success")
	}

	if _, err := NewHeap(f, 0, 12, 15); err == nil {
		t.Fatal("unexpected success")
	}

	if g, e := f.Size(), int64(0); g != e {
		t.Fatal(g, e)
	}
}

// Successive allocations fill the user area from the lowest address up,
// reusing buddies left over by earlier splits before splitting fresh blocks.
func TestMallocSequence(t *testing.T) {
	h, _ := newTestHeap(t, 15, 12)

	a, err := h.Malloc(8000)
	if err != nil {
		t.Fatal(err)
	}

	if g, e := a, h.Start(); g != e {
		t.Fatal(g, e)
	}

	if g, e := dumpStr(t, h), "allocated 8192\nfree 8192\nfree 16384\n"; g != e {
		t.Fatalf("%q %q", g, e)
	}

	verify(t, h)

	b, err := h.Malloc(8000)
	if err != nil {
		t.Fatal(err)
	}

	if g, e := b, h.Start()+8192; g != e {
		t.Fatal(g, e)
	}

	if g, e := dumpStr(t, h), "allocated 8192\nallocated 8192\nfree 16384\n"; g != e {
		t.Fatalf("%q %q", g, e)
	}

	verify(t, h)

	c, err := h.Malloc(8000)
	if err != nil {
		t.Fatal(err)
	}

	if g, e := c, h.Start()+16384; g != e {
		t.Fatal(g, e)
	}

	if g, e := dumpStr(t, h), "allocated 8192\nallocated 8192\nallocated 8192\nfree 8192\n"; g != e {
		t.Fatalf("%q %q", g, e)
	}

	verify(t, h)
}

// Freeing a block merges it with its free buddy immediately.
func TestFreeCoalesce(t *testing.T) {
	h, _ := newTestHeap(t, 15, 12)

	a, err := h.Malloc(8000)
	if err != nil {
		t.Fatal(err)
	}

	if _, err = h.Malloc(10000); err != nil {
		t.Fatal(err)
	}

	if err = h.Free(a); err != nil {
		t.Fatal(err)
	}

	if g, e := dumpStr(t, h), "free 16384\nallocated 16384\n"; g != e {
		t.Fatalf("%q %q", g, e)
	}

	verify(t, h)
}

// The whole user area is allocatable as a single block starting at Start.
func TestMallocWhole(t *testing.T) {
	h, _ := newTestHeap(t, 15, 12)

	p, err := h.Malloc(32768)
	if err != nil {
		t.Fatal(err)
	}

	if g, e := p, h.Start(); g != e {
		t.Fatal(g, e)
	}

	if g, e := dumpStr(t, h), "allocated 32768\n"; g != e {
		t.Fatalf("%q %q", g, e)
	}

	if g, e := h.Break(), h.Start()+32768; g != e {
		t.Fatal(g, e)
	}

	verify(t, h)
}

// Freeing everything retracts the break all the way to the user area base.
func TestShrinkToBase(t *testing.T) {
	h, f := newTestHeap(t, 15, 12)

	a, err := h.Malloc(8000)
	if err != nil {
		t.Fatal(err)
	}

	b, err := h.Malloc(10000)
	if err != nil {
		t.Fatal(err)
	}

	if err = h.Free(a); err != nil {
		t.Fatal(err)
	}

	verify(t, h)

	if err = h.Free(b); err != nil {
		t.Fatal(err)
	}

	if g, e := h.Break(), h.Start(); g != e {
		t.Fatal(g, e)
	}

	if g, e := f.Size(), h.Start(); g != e {
		t.Fatal(g, e)
	}

	for i := uint32(0); i < 15; i++ {
		on, err := h.bit(i)
		if err != nil {
			t.Fatal(err)
		}

		if on {
			t.Fatal(i)
		}
	}

	verify(t, h)
}

// Freeing the trailing block retracts the break to the end of the remaining
// trailing-most allocation.
func TestShrinkPartial(t *testing.T) {
	h, _ := newTestHeap(t, 15, 12)

	a, err := h.Malloc(8000)
	if err != nil {
		t.Fatal(err)
	}

	b, err := h.Malloc(10000)
	if err != nil {
		t.Fatal(err)
	}

	if err = h.Free(b); err != nil {
		t.Fatal(err)
	}

	if g, e := h.Break(), a+8192; g != e {
		t.Fatal(g, e)
	}

	verify(t, h)
}

func TestMallocBounds(t *testing.T) {
	h, _ := newTestHeap(t, 15, 12)
	brk := h.Break()

	if _, err := h.Malloc(0); err == nil {
		t.Fatal("unexpected success")
	}

	if _, err := h.Malloc(32769); err == nil {
		t.Fatal("unexpected success")
	}

	if g, e := h.Break(), brk; g != e {
		t.Fatal(g, e)
	}

	p, err := h.Malloc(32768)
	if err != nil {
		t.Fatal(err)
	}

	if g, e := p, h.Start(); g != e {
		t.Fatal(g, e)
	}

	if _, err := h.Malloc(1); err == nil {
		t.Fatal("unexpected success")
	}

	verify(t, h)
}

func TestMallocRounding(t *testing.T) {
	tab := []struct {
		rq   uint32
		size int64
	}{
		{1, 4096},
		{4096, 4096},
		{4097, 8192},
		{8000, 8192},
		{8192, 8192},
		{8193, 16384},
		{32768, 32768},
	}
	for i, test := range tab {
		h, _ := newTestHeap(t, 15, 12)
		p, err := h.Malloc(test.rq)
		if err != nil {
			t.Fatal(i, err)
		}

		blk, err := h.blockAt(p)
		if err != nil {
			t.Fatal(i, err)
		}

		if g, e := int64(1)<<h.blockOrder(blk), test.size; g != e {
			t.Fatal(i, g, e)
		}

		if g, e := h.Break(), p+test.size; g != e {
			t.Fatal(i, g, e)
		}
	}
}

func TestFreeErrors(t *testing.T) {
	h, _ := newTestHeap(t, 15, 12)

	if err := h.Free(0); err == nil {
		t.Fatal("unexpected success")
	}

	p, err := h.Malloc(10000)
	if err != nil {
		t.Fatal(err)
	}

	// Below the user area.
	if err := h.Free(h.Start() - 4096); err == nil {
		t.Fatal("unexpected success")
	}

	// Misaligned.
	if err := h.Free(p + 1); err == nil {
		t.Fatal("unexpected success")
	}

	// Middle of an allocated block.
	if err := h.Free(p + 4096); err == nil {
		t.Fatal("unexpected success")
	}

	// Beyond the user area.
	if err := h.Free(h.Start() + 32768 + 4096); err == nil {
		t.Fatal("unexpected success")
	}

	// A free block.
	if err := h.Free(h.Start() + 16384); err == nil {
		t.Fatal("unexpected success")
	}

	verify(t, h)

	if err := h.Free(p); err != nil {
		t.Fatal(err)
	}

	// Double free.
	if err := h.Free(p); err == nil {
		t.Fatal("unexpected success")
	}

	verify(t, h)
}

// A pointer to a freed left half whose buddy is still allocated resolves to
// the parent node, which carries a mark; it must still be rejected, as the
// parent is split, not allocated.
func TestFreeMergedSibling(t *testing.T) {
	h, _ := newTestHeap(t, 15, 12)

	a, err := h.Malloc(16384)
	if err != nil {
		t.Fatal(err)
	}

	if _, err = h.Malloc(16384); err != nil {
		t.Fatal(err)
	}

	if err = h.Free(a); err != nil {
		t.Fatal(err)
	}

	if err = h.Free(a); err == nil {
		t.Fatal("unexpected success")
	}

	verify(t, h)
}

// Allocating and freeing a single block returns the heap to its pristine
// state.
func TestFreeEmptyState(t *testing.T) {
	for _, rq := range []uint32{1, 5000, 32768} {
		h, _ := newTestHeap(t, 15, 12)
		p, err := h.Malloc(rq)
		if err != nil {
			t.Fatal(err)
		}

		if err = h.Free(p); err != nil {
			t.Fatal(err)
		}

		if g, e := h.Break(), h.Start(); g != e {
			t.Fatal(g, e)
		}

		for i := uint32(0); i < h.numBlocks; i++ {
			on, err := h.bit(i)
			if err != nil {
				t.Fatal(err)
			}

			if on {
				t.Fatal(rq, i)
			}
		}

		verify(t, h)
	}
}

// A failing region grow rolls the split back and leaves the heap unchanged.
func TestMallocGrowFailure(t *testing.T) {
	f := NewMemRegion()
	h, err := NewHeap(f, 0, 15, 12)
	if err != nil {
		t.Fatal(err)
	}

	f.Limit = h.Start() + 8192

	a, err := h.Malloc(8000)
	if err != nil {
		t.Fatal(err)
	}

	if _, err = h.Malloc(8000); err == nil {
		t.Fatal("unexpected success")
	}

	if g, e := dumpStr(t, h), "allocated 8192\nfree 8192\nfree 16384\n"; g != e {
		t.Fatalf("%q %q", g, e)
	}

	verify(t, h)

	// The freed split must be reusable.
	f.Limit = 0
	b, err := h.Malloc(8000)
	if err != nil {
		t.Fatal(err)
	}

	if g, e := b, a+8192; g != e {
		t.Fatal(g, e)
	}

	verify(t, h)
}

func TestReallocNilAndZero(t *testing.T) {
	h, _ := newTestHeap(t, 15, 12)

	p, err := h.Realloc(0, 5000)
	if err != nil {
		t.Fatal(err)
	}

	if g, e := p, h.Start(); g != e {
		t.Fatal(g, e)
	}

	if p, err = h.Realloc(p, 0); p != 0 || err != nil {
		t.Fatal(p, err)
	}

	if g, e := h.Break(), h.Start(); g != e {
		t.Fatal(g, e)
	}

	verify(t, h)
}

func TestReallocIdentity(t *testing.T) {
	h, _ := newTestHeap(t, 15, 12)

	p, err := h.Malloc(8000)
	if err != nil {
		t.Fatal(err)
	}

	q, err := h.Realloc(p, 8192)
	if err != nil {
		t.Fatal(err)
	}

	if q != p {
		t.Fatal(q, p)
	}

	q, err = h.Realloc(p, 5000)
	if err != nil {
		t.Fatal(err)
	}

	if q != p {
		t.Fatal(q, p)
	}

	verify(t, h)
}

func TestReallocShrinkInPlace(t *testing.T) {
	h, _ := newTestHeap(t, 15, 12)

	p, err := h.Malloc(32768)
	if err != nil {
		t.Fatal(err)
	}

	q, err := h.Realloc(p, 4096)
	if err != nil {
		t.Fatal(err)
	}

	if q != p {
		t.Fatal(q, p)
	}

	if g, e := dumpStr(t, h), "allocated 4096\nfree 4096\nfree 8192\nfree 16384\n"; g != e {
		t.Fatalf("%q %q", g, e)
	}

	verify(t, h)
}

func fill(t *testing.T, f Region, off, size int64, seed byte) {
	b := make([]byte, size)
	for i := range b {
		b[i] = seed + byte(i)
	}
	if _, err := f.WriteAt(b, off); err != nil {
		t.Fatal(err)
	}
}

func check(t *testing.T, f Region, off, size int64, seed byte) {
	b := make([]byte, size)
	if n, err := f.ReadAt(b, off); int64(n) != size && err != nil {
		t.Fatal(n, err)
	}

	for i, v := range b {
		if g, e := v, seed+byte(i); g != e {
			t.Fatalf("off %#x+%#x: %#x %#x", off, i, g, e)
		}
	}
}

// Growing a block moves it when its buddy space is taken and preserves the
// content.
func TestReallocGrowMove(t *testing.T) {
	h, f := newTestHeap(t, 15, 12)

	a, err := h.Malloc(4096)
	if err != nil {
		t.Fatal(err)
	}

	b, err := h.Malloc(4096)
	if err != nil {
		t.Fatal(err)
	}

	fill(t, f, a, 4096, 0x11)
	fill(t, f, b, 4096, 0x22)

	c, err := h.Realloc(a, 12000)
	if err != nil {
		t.Fatal(err)
	}

	if c == a {
		t.Fatal("block did not move")
	}

	check(t, f, c, 4096, 0x11)
	check(t, f, b, 4096, 0x22)
	verify(t, h)
}

// Growing the only block reuses its own merged space: same address, no copy,
// and the deferred retraction must not cut into the grown block.
func TestReallocGrowInPlace(t *testing.T) {
	h, f := newTestHeap(t, 15, 12)

	a, err := h.Malloc(8000)
	if err != nil {
		t.Fatal(err)
	}

	fill(t, f, a, 8000, 0x33)

	b, err := h.Realloc(a, 10000)
	if err != nil {
		t.Fatal(err)
	}

	if b != a {
		t.Fatal(b, a)
	}

	if g, e := h.Break(), a+16384; g != e {
		t.Fatal(g, e)
	}

	check(t, f, b, 8000, 0x33)
	verify(t, h)
}

// A grow that cannot be satisfied leaves the original block intact, at its
// address, with its content.
func TestReallocGrowFailure(t *testing.T) {
	h, f := newTestHeap(t, 15, 12)

	a, err := h.Malloc(8000)
	if err != nil {
		t.Fatal(err)
	}

	b, err := h.Malloc(8000)
	if err != nil {
		t.Fatal(err)
	}

	fill(t, f, a, 8000, 0x44)

	// 20000 rounds to 32768: no free block of that order exists.
	if _, err = h.Realloc(a, 40000); err == nil {
		t.Fatal("unexpected success")
	}

	if _, err = h.Realloc(a, 20000); err == nil {
		t.Fatal("unexpected success")
	}

	if g, e := dumpStr(t, h), "allocated 8192\nallocated 8192\nfree 16384\n"; g != e {
		t.Fatalf("%q %q", g, e)
	}

	check(t, f, a, 8000, 0x44)
	verify(t, h)

	// The heap must remain fully usable.
	if err = h.Free(a); err != nil {
		t.Fatal(err)
	}

	if err = h.Free(b); err != nil {
		t.Fatal(err)
	}

	if g, e := h.Break(), h.Start(); g != e {
		t.Fatal(g, e)
	}

	verify(t, h)
}

// A failed grow of the trailing block defers the retraction of the break, so
// the block keeps its content; a later Free of it retracts the break.
func TestReallocDeferredShrink(t *testing.T) {
	h, f := newTestHeap(t, 15, 12)

	a, err := h.Malloc(4096) // [0, 4096)
	if err != nil {
		t.Fatal(err)
	}

	b, err := h.Malloc(4096) // [4096, 8192)
	if err != nil {
		t.Fatal(err)
	}

	c, err := h.Malloc(16384) // [16384, 32768)
	if err != nil {
		t.Fatal(err)
	}

	if err = h.Free(a); err != nil {
		t.Fatal(err)
	}

	fill(t, f, c, 16384, 0x55)

	// c is trailing; growing it fails (no room), so it must stay put.
	if _, err = h.Realloc(c, 20000); err == nil {
		t.Fatal("unexpected success")
	}

	check(t, f, c, 16384, 0x55)
	verify(t, h)

	// Free c: the break retracts to b's end.
	if err = h.Free(c); err != nil {
		t.Fatal(err)
	}

	if g, e := h.Break(), b+4096; g != e {
		t.Fatal(g, e)
	}

	verify(t, h)
}

func TestInfoWriterError(t *testing.T) {
	h, _ := newTestHeap(t, 15, 12)
	if err := h.Info(errWriter{}); err == nil {
		t.Fatal("unexpected success")
	}
}

type errWriter struct{}

func (errWriter) Write(b []byte) (int, error) { return 0, io.ErrClosedPipe }

func TestOpenHeap(t *testing.T) {
	h, f := newTestHeap(t, 15, 12)

	a, err := h.Malloc(8000)
	if err != nil {
		t.Fatal(err)
	}

	if _, err = h.Malloc(10000); err != nil {
		t.Fatal(err)
	}

	g, err := OpenHeap(f, 0)
	if err != nil {
		t.Fatal(err)
	}

	if g.Start() != h.Start() || g.Break() != h.Break() {
		t.Fatal(g.Start(), h.Start(), g.Break(), h.Break())
	}

	if err = g.Free(a); err != nil {
		t.Fatal(err)
	}

	if gs, e := dumpStr(t, g), "free 16384\nallocated 16384\n"; gs != e {
		t.Fatalf("%q %q", gs, e)
	}

	verify(t, g)
}

func TestOpenHeapBad(t *testing.T) {
	if _, err := OpenHeap(NewMemRegion(), 0); err == nil {
		t.Fatal("unexpected success")
	}

	h, f := newTestHeap(t, 15, 12)
	_ = h

	// Corrupt the orders.
	if _, err := f.WriteAt([]byte{40}, oInitial); err != nil {
		t.Fatal(err)
	}

	if _, err := OpenHeap(f, 0); err == nil {
		t.Fatal("unexpected success")
	}
}

func TestHeapFileRegion(t *testing.T) {
	file, err := os.CreateTemp("", "buddy-test-")
	if err != nil {
		t.Fatal(err)
	}

	defer os.Remove(file.Name())
	defer file.Close()

	f, err := NewSimpleFileRegion(file)
	if err != nil {
		t.Fatal(err)
	}

	h, err := NewHeap(f, 0, 15, 12)
	if err != nil {
		t.Fatal(err)
	}

	a, err := h.Malloc(8000)
	if err != nil {
		t.Fatal(err)
	}

	fill(t, f, a, 8000, 0x66)

	b, err := h.Realloc(a, 20000)
	if err != nil {
		t.Fatal(err)
	}

	check(t, f, b, 8000, 0x66)
	verify(t, h)

	if err = h.Free(b); err != nil {
		t.Fatal(err)
	}

	if g, e := f.Size(), h.Start(); g != e {
		t.Fatal(g, e)
	}

	verify(t, h)
}

func TestHeapOSRegion(t *testing.T) {
	file, err := os.CreateTemp("", "buddy-test-")
	if err != nil {
		t.Fatal(err)
	}

	defer os.Remove(file.Name())
	defer file.Close()

	f, err := NewOSRegion(file, "osregion-test")
	if err != nil {
		t.Fatal(err)
	}

	h, err := NewHeap(f, 0, 15, 12)
	if err != nil {
		t.Fatal(err)
	}

	a, err := h.Malloc(10000)
	if err != nil {
		t.Fatal(err)
	}

	fill(t, f, a, 10000, 0x77)
	check(t, f, a, 10000, 0x77)

	if err = h.Free(a); err != nil {
		t.Fatal(err)
	}

	if g, e := f.Size(), h.Start(); g != e {
		t.Fatal(g, e)
	}

	verify(t, h)
}

func benchmarkMallocFree(b *testing.B, f Region, rq uint32) {
	h, err := NewHeap(f, f.Size(), 22, 10)
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p, err := h.Malloc(rq)
		if err != nil {
			b.Fatal(err)
		}

		if err = h.Free(p); err != nil {
			b.Fatal(err)
		}
	}
	b.SetBytes(int64(rq))
}

func BenchmarkMallocFreeMemRegion1K(b *testing.B) {
	benchmarkMallocFree(b, NewMemRegion(), 1<<10)
}

func BenchmarkMallocFreeMemRegion64K(b *testing.B) {
	benchmarkMallocFree(b, NewMemRegion(), 1<<16)
}

func BenchmarkMallocFreeSimpleFileRegion1K(b *testing.B) {
	file, err := os.CreateTemp("", "buddy-bench-")
	if err != nil {
		b.Fatal(err)
	}

	defer os.Remove(file.Name())
	defer file.Close()

	f, err := NewSimpleFileRegion(file)
	if err != nil {
		b.Fatal(err)
	}

	benchmarkMallocFree(b, f, 1<<10)
}
