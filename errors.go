// Copyright 2026 The Buddy Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Error types used by the package.

package buddy

import (
	"fmt"
)

// ErrINVAL reports invalid arguments passed to a function.
type ErrINVAL struct {
	Src string
	Val interface{}
}

// Error implements the built in error type.
func (e *ErrINVAL) Error() string {
	return fmt.Sprintf("%s: %+v", e.Src, e.Val)
}

// ErrPERM reports an operation that is not permitted. No function of this
// package returns it.
type ErrPERM struct {
	Src string
}

// Error implements the built in error type.
func (e *ErrPERM) Error() string {
	return fmt.Sprintf("%s: operation not permitted", e.Src)
}

// ErrNOMEM is reported when no free block can satisfy an allocation request,
// either because the buddy tree has no fit or because the region refused to
// grow.
type ErrNOMEM struct {
	Src string
	Rq  uint32
}

// Error implements the built in error type.
func (e *ErrNOMEM) Error() string {
	return fmt.Sprintf("%s: no space for %d bytes", e.Src, e.Rq)
}

// ErrType is the type of an ErrILSEQ.
type ErrType int

// ErrILSEQ types.
const (
	ErrOther ErrType = iota

	ErrFreeSubtree // Marked descendant of a free-and-unsplit block
	ErrBreakRange  // Break outside [start, start+2^initial]
	ErrBreakMark   // Break does not match the last used block
	ErrBitmapTail  // Non zero slack bits/bytes beyond the last tree node
	ErrBadHeader   // Persisted header fields are inconsistent
	ErrImageMagic  // Snapshot does not start with the image magic
	ErrImageSize   // Snapshot length disagrees with its header
	ErrRegionSize  // Region break disagrees with the persisted header
)

// ErrILSEQ reports a corrupted heap structure found in a Region.
type ErrILSEQ struct {
	Type ErrType
	Blk  uint32
	Off  int64
	Arg  int64
}

// Error implements the built in error type.
func (e *ErrILSEQ) Error() string {
	switch e.Type {
	case ErrFreeSubtree:
		return fmt.Sprintf("marked block %d inside free block %d", e.Arg, e.Blk)
	case ErrBreakRange:
		return fmt.Sprintf("break %#x out of region bounds", e.Off)
	case ErrBreakMark:
		return fmt.Sprintf("break %#x does not match end %#x of last used block %d", e.Off, e.Arg, e.Blk)
	case ErrBitmapTail:
		return fmt.Sprintf("non zero bitmap slack at off %#x", e.Off)
	case ErrBadHeader:
		return fmt.Sprintf("invalid heap header at off %#x", e.Off)
	case ErrImageMagic:
		return fmt.Sprintf("invalid image magic %#x", e.Arg)
	case ErrImageSize:
		return fmt.Sprintf("image size %#x, expected %#x", e.Arg, e.Off)
	case ErrRegionSize:
		return fmt.Sprintf("region break %#x, header says %#x", e.Arg, e.Off)
	}

	more := ""
	if e.Blk != 0 {
		more = fmt.Sprintf(", blk %d", e.Blk)
	}
	return fmt.Sprintf("error at off %#x%s", e.Off, more)
}
