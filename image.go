// Copyright 2026 The Buddy Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Compressed heap images.

package buddy

import (
	"io"
	"math"

	"modernc.org/zappy"
)

const imgMagic = 0x62756479 // "budy"

// imgHdrSize is the size of the image header: magic, base, uncompressed
// length, compressed length, 4+8+8+8 bytes.
const imgHdrSize = 28

// Snapshot writes a compressed image of the region [0, break) to w. The
// image captures the heap header, the status bitmap and all user content
// below the break, so Restore reproduces the heap exactly. 'n' reports the
// number of bytes written to 'w'.
func (h *Heap) Snapshot(w io.Writer) (n int64, err error) {
	raw := make([]byte, h.curBreak)
	if err = h.read(raw, 0); err != nil {
		return
	}

	cb, err := zappy.Encode(nil, raw)
	if err != nil {
		return
	}

	var b [imgHdrSize]byte
	put4(b[:], imgMagic)
	put8(b[4:], h.base)
	put8(b[12:], h.curBreak)
	put8(b[20:], int64(len(cb)))
	wn, err := w.Write(b[:])
	n = int64(wn)
	if err != nil {
		return
	}

	wn, err = w.Write(cb)
	n += int64(wn)
	return
}

// Restore loads a Snapshot image from rd into the empty region r and opens
// the heap embedded in it.
func Restore(r Region, rd io.Reader) (h *Heap, err error) {
	if r.Size() != 0 {
		return nil, &ErrINVAL{"buddy.Restore: region not empty", r.Size()}
	}

	var b [imgHdrSize]byte
	if _, err = io.ReadFull(rd, b[:]); err != nil {
		return
	}

	if m := get4(b[:]); m != imgMagic {
		return nil, &ErrILSEQ{Type: ErrImageMagic, Arg: int64(m)}
	}

	base := get8(b[4:])
	size := get8(b[12:])
	clen := get8(b[20:])
	if base < 0 || size < 0 || size > math.MaxInt32 || clen < 0 {
		return nil, &ErrILSEQ{Type: ErrImageSize, Off: size, Arg: clen}
	}

	cb := make([]byte, clen)
	if _, err = io.ReadFull(rd, cb); err != nil {
		return
	}

	raw, err := zappy.Decode(nil, cb)
	if err != nil {
		return
	}

	if int64(len(raw)) != size {
		return nil, &ErrILSEQ{Type: ErrImageSize, Off: size, Arg: int64(len(raw))}
	}

	if r.Sbrk(int32(size)) == sbrkFail {
		return nil, &ErrNOMEM{"buddy.Restore", uint32(size)}
	}

	if _, err = r.WriteAt(raw, 0); err != nil {
		return
	}

	return OpenHeap(r, base)
}
