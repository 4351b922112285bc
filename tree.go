// Copyright 2026 The Buddy Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Index arithmetic on the implicit buddy tree.
//
// The tree is a complete binary tree in heap order. There are no pointers
// between nodes, all relations are index arithmetic:
//
//	0 -> the initial block
//	1 -> left half block of the initial block
//	2 -> right half block of the initial block
//	3 -> left half block of 1
//
// Blocks 1 and 2 are buddies. A block of order o covers 1<<o bytes of the
// user area; the root has the initial order, leaves have the minimum order.

package buddy

import (
	"modernc.org/mathutil"
)

// left returns the left child of blk.
func left(blk uint32) uint32 {
	return blk<<1 + 1
}

// parent returns the parent of blk. Not defined for the root.
func parent(blk uint32) uint32 {
	return (blk - 1) >> 1
}

// isLeft reports whether blk is the left child of its parent. All left
// children are odd.
func isLeft(blk uint32) bool {
	return blk&1 != 0
}

// buddyOf returns the sibling sharing a parent with blk.
func buddyOf(blk uint32) uint32 {
	if isLeft(blk) {
		return blk + 1
	}

	return blk - 1
}

// ceilLog2 returns the smallest e such that n <= 1<<e.
func ceilLog2(n uint32) int {
	e := mathutil.Log2Uint32(n)
	if e < 0 {
		return 0
	}

	if n&(n-1) != 0 {
		e++
	}
	return e
}

// blockOrder returns the order of blk: the root has order h.initial and every
// level down halves the block.
func (h *Heap) blockOrder(blk uint32) byte {
	o := h.initial
	for blk > 0 {
		blk = parent(blk)
		o--
	}
	return o
}

// blockOff returns the byte offset of blk from the start of the user area.
// Every right edge on the path from blk to the root contributes the size of
// the level it leads to.
func (h *Heap) blockOff(blk uint32) int64 {
	off := int64(0)
	size := int64(1) << h.blockOrder(blk)
	for blk > 0 {
		if !isLeft(blk) {
			off += size
		}
		blk = parent(blk)
		size <<= 1
	}
	return off
}

// blockPtr returns the user pointer of blk.
func (h *Heap) blockPtr(blk uint32) int64 {
	return h.start + h.blockOff(blk)
}

// blockAt resolves a user pointer to the block owning it, descending from the
// root to the largest block starting at that offset and then following the
// left spine while it is marked, i.e. while the node is split and the
// allocation sits below. Invalid pointers resolve to an index >= h.numBlocks.
func (h *Heap) blockAt(ptr int64) (blk uint32, err error) {
	if ptr < h.start {
		return h.numBlocks, nil
	}

	off := ptr - h.start
	if off > int64(1)<<h.initial || off&(int64(1)<<h.min-1) != 0 {
		return h.numBlocks, nil
	}

	size := int64(1) << h.initial
	for off > 0 && size > 0 {
		size >>= 1
		if off >= size {
			blk = left(blk) + 1
			off -= size
		} else {
			blk = left(blk)
		}
	}

	for l := left(blk); l < h.numBlocks; l = left(blk) {
		var on bool
		if on, err = h.bit(l); err != nil {
			return
		}

		if !on {
			break
		}

		blk = l
	}
	return
}

// allocated reports whether blk is a user owned allocation: marked, with no
// marked child. A marked block with a marked child is merely split.
func (h *Heap) allocated(blk uint32) (r bool, err error) {
	if r, err = h.bit(blk); !r || err != nil {
		return
	}

	if l := left(blk); l < h.numBlocks {
		var on bool
		if on, err = h.bit(l); on || err != nil {
			return false, err
		}

		if on, err = h.bit(l + 1); on || err != nil {
			return false, err
		}
	}
	return true, nil
}
