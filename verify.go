// Copyright 2026 The Buddy Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Structural verification of a heap.

package buddy

// Verify checks the structural invariants of the heap:
//
//   - No descendant of a free-and-unsplit block is marked.
//   - The break lies within [start, start+1<<initial].
//   - The break equals the end of the last used block, or start when the
//     heap is empty.
//   - The slack bits and bytes of the status bitmap are zero.
//   - The region break agrees with the heap's.
//
// Findings are reported as *ErrILSEQ through log; returning false from log
// stops the verification. Verify returns the first finding, or nil when the
// structure is sound.
func (h *Heap) Verify(log func(error) bool) (err error) {
	if log == nil {
		log = func(error) bool { return true }
	}

	var first error
	report := func(e error) bool {
		if first == nil {
			first = e
		}
		return log(e)
	}

	if !h.verifyBounds(report) {
		return first
	}

	if !h.verifyTree(0, report) {
		return first
	}

	h.verifyTail(report)
	return first
}

func (h *Heap) verifyBounds(report func(error) bool) bool {
	if h.curBreak < h.start || h.curBreak > h.start+int64(1)<<h.initial {
		if !report(&ErrILSEQ{Type: ErrBreakRange, Off: h.curBreak}) {
			return false
		}
	}

	if sz := h.r.Size(); sz != h.curBreak {
		if !report(&ErrILSEQ{Type: ErrRegionSize, Off: h.curBreak, Arg: sz}) {
			return false
		}
	}

	end := h.start
	if h.lastUsed < h.numBlocks {
		end = h.blockPtr(h.lastUsed) + int64(1)<<h.blockOrder(h.lastUsed)
	}
	if end != h.curBreak {
		if !report(&ErrILSEQ{Type: ErrBreakMark, Blk: h.lastUsed, Off: h.curBreak, Arg: end}) {
			return false
		}
	}
	return true
}

// verifyTree walks the subtree of blk checking that free-and-unsplit blocks
// have no marked descendant.
func (h *Heap) verifyTree(blk uint32, report func(error) bool) bool {
	on, err := h.bit(blk)
	if err != nil {
		return report(err)
	}

	l := left(blk)
	if l >= h.numBlocks {
		return true
	}

	if !on {
		return h.verifyFreeSubtree(blk, l, report) &&
			h.verifyFreeSubtree(blk, l+1, report)
	}

	return h.verifyTree(l, report) && h.verifyTree(l+1, report)
}

// verifyFreeSubtree requires every node below a free block root to be clear.
func (h *Heap) verifyFreeSubtree(root, blk uint32, report func(error) bool) bool {
	on, err := h.bit(blk)
	if err != nil {
		return report(err)
	}

	if on {
		if !report(&ErrILSEQ{Type: ErrFreeSubtree, Blk: root, Off: h.blockPtr(blk), Arg: int64(blk)}) {
			return false
		}
	}

	l := left(blk)
	if l >= h.numBlocks {
		return true
	}

	return h.verifyFreeSubtree(root, l, report) && h.verifyFreeSubtree(root, l+1, report)
}

// verifyTail checks the unused bits of the last bitmap byte and the slack
// byte beyond it.
func (h *Heap) verifyTail(report func(error) bool) bool {
	statusSize := statusBytes(h.initial, h.min)
	for off := h.base + hdrSize + int64(h.numBlocks>>3); off < h.base+hdrSize+statusSize; off++ {
		var b [1]byte
		if err := h.read(b[:], off); err != nil {
			return report(err)
		}

		v := b[0]
		if off == h.base+hdrSize+int64(h.numBlocks>>3) {
			v &^= bitMask[h.numBlocks&7] - 1 // bits below numBlocks are in use
		}
		if v != 0 {
			if !report(&ErrILSEQ{Type: ErrBitmapTail, Off: off}) {
				return false
			}
		}
	}
	return true
}
