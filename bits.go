// Copyright 2026 The Buddy Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The status bitmap: one bit per tree node, written through the Region so
// the persisted image stays authoritative.
//
// Bit semantics: 0 = the block is entirely free and not split, 1 = the block
// is either allocated as a whole or split. Which of the two it is follows
// from the children, see (*Heap).allocated.

package buddy

var bitMask = [8]byte{0x01, 0x02, 0x04, 0x08, 0x10, 0x20, 0x40, 0x80}

// bit returns the status bit of tree node n.
func (h *Heap) bit(n uint32) (on bool, err error) {
	var b [1]byte
	if err = h.read(b[:], h.base+hdrSize+int64(n>>3)); err != nil {
		return
	}

	return b[0]&bitMask[n&7] != 0, nil
}

// setBit marks tree node n as allocated-or-split.
func (h *Heap) setBit(n uint32) (err error) {
	off := h.base + hdrSize + int64(n>>3)
	var b [1]byte
	if err = h.read(b[:], off); err != nil {
		return
	}

	b[0] |= bitMask[n&7]
	_, err = h.r.WriteAt(b[:], off)
	return
}

// clearBit marks tree node n as free-and-unsplit.
func (h *Heap) clearBit(n uint32) (err error) {
	off := h.base + hdrSize + int64(n>>3)
	var b [1]byte
	if err = h.read(b[:], off); err != nil {
		return
	}

	b[0] &^= bitMask[n&7]
	_, err = h.r.WriteAt(b[:], off)
	return
}
