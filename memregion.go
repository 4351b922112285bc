// Copyright 2026 The Buddy Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// A memory-only implementation of Region.

package buddy

import (
	"bytes"
	"fmt"
	"io"

	"modernc.org/mathutil"
)

const (
	pgBits = 12
	pgSize = 1 << pgBits
	pgMask = pgSize - 1
)

var _ Region = &MemRegion{} // Ensure MemRegion is a Region.

type memRegionMap map[int64]*[pgSize]byte

// MemRegion is a memory backed Region. Pages of all zero bytes are not
// realized, so a large, sparsely used region is cheap. MemRegion is not
// automatically persistent, but it has ReadFrom and WriteTo methods.
//
// The zero Limit means the break may grow without bound. A non zero Limit
// makes Sbrk fail whenever the new break would exceed it, which is useful for
// exercising grow-failure paths.
type MemRegion struct {
	m     memRegionMap
	size  int64
	Limit int64
}

// NewMemRegion returns a new MemRegion.
func NewMemRegion() *MemRegion {
	return &MemRegion{m: memRegionMap{}}
}

// Close implements Region.
func (f *MemRegion) Close() (err error) {
	return
}

// Name implements Region.
func (f *MemRegion) Name() string {
	return fmt.Sprintf("%p.memregion", f)
}

// PunchHole implements Region.
func (f *MemRegion) PunchHole(off, size int64) (err error) {
	if off < 0 {
		return &ErrINVAL{f.Name() + ":PunchHole off", off}
	}

	if size < 0 || off+size > f.size {
		return &ErrINVAL{f.Name() + ":PunchHole size", size}
	}

	// Drop only pages covered in full.
	first := off >> pgBits
	if off&pgMask != 0 {
		first++
	}
	last := (off+size)>>pgBits - 1
	for pg := first; pg <= last; pg++ {
		delete(f.m, pg)
	}
	return
}

var zeroPage [pgSize]byte

// ReadAt implements Region.
func (f *MemRegion) ReadAt(b []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, &ErrINVAL{f.Name() + ":ReadAt off", off}
	}

	avail := f.size - off
	pgI := off >> pgBits
	pgO := int(off & pgMask)
	rem := len(b)
	if int64(rem) >= avail {
		rem = int(avail)
		err = io.EOF
	}
	for rem != 0 && avail > 0 {
		pg := f.m[pgI]
		if pg == nil {
			pg = &zeroPage
		}
		nc := copy(b[:mathutil.Min(rem, pgSize)], pg[pgO:])
		pgI++
		pgO = 0
		rem -= nc
		n += nc
		b = b[nc:]
	}
	return
}

// ReadFrom is a helper to populate MemRegion's content from r. 'n' reports
// the number of bytes read from 'r'. The break is moved to the end of the
// content read.
func (f *MemRegion) ReadFrom(r io.Reader) (n int64, err error) {
	f.m = memRegionMap{}
	f.size = 0

	var (
		b   [pgSize]byte
		rn  int
		off int64
	)

	var rerr error
	for rerr == nil {
		if rn, rerr = r.Read(b[:]); rn != 0 {
			f.size = off + int64(rn)
			f.WriteAt(b[:rn], off)
			off += int64(rn)
			n += int64(rn)
		}
	}
	if rerr != io.EOF {
		err = rerr
	}
	return
}

// Sbrk implements Region.
func (f *MemRegion) Sbrk(delta int32) int64 {
	prev := f.size
	size := f.size + int64(delta)
	if size < 0 || f.Limit != 0 && size > f.Limit {
		return sbrkFail
	}

	if size < f.size { // shrink, drop pages beyond the new break
		first := size >> pgBits
		if size&pgMask != 0 {
			first++
		}
		last := f.size >> pgBits
		if f.size&pgMask != 0 {
			last++
		}
		for ; first < last; first++ {
			delete(f.m, first)
		}
		if size == 0 {
			f.m = memRegionMap{}
		}
	}

	f.size = size
	return prev
}

// Size implements Region.
func (f *MemRegion) Size() int64 {
	return f.size
}

// WriteAt implements Region.
func (f *MemRegion) WriteAt(b []byte, off int64) (n int, err error) {
	if off < 0 || off+int64(len(b)) > f.size {
		return 0, &ErrINVAL{f.Name() + ":WriteAt off", off}
	}

	pgI := off >> pgBits
	pgO := int(off & pgMask)
	n = len(b)
	rem := n
	var nc int
	for rem != 0 {
		if pgO == 0 && rem >= pgSize && bytes.Equal(b[:pgSize], zeroPage[:]) {
			delete(f.m, pgI)
			nc = pgSize
		} else {
			pg := f.m[pgI]
			if pg == nil {
				pg = new([pgSize]byte)
				f.m[pgI] = pg
			}
			nc = copy((*pg)[pgO:], b)
		}
		pgI++
		pgO = 0
		rem -= nc
		b = b[nc:]
	}
	return
}

// WriteTo is a helper to copy/persist MemRegion's content to w. 'n' reports
// the number of bytes written to 'w'.
func (f *MemRegion) WriteTo(w io.Writer) (n int64, err error) {
	var (
		b      [pgSize]byte
		wn, rn int
		off    int64
		rerr   error
	)

	var werr error
	for rerr == nil {
		if rn, rerr = f.ReadAt(b[:], off); rn != 0 {
			off += int64(rn)
			if wn, werr = w.Write(b[:rn]); werr != nil {
				return n, werr
			}

			n += int64(wn)
		}
	}
	if rerr != io.EOF {
		err = rerr
	}
	return
}
