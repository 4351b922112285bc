// Copyright 2026 The Buddy Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// An abstraction of a sbrk-managed, byte addressable storage region.

package buddy

// A Region is a []byte-like model of a contiguous address range whose end
// (the "break") is moved only by Sbrk. In contrast to a stream, a Region is
// not sequentially accessible. ReadAt and WriteAt are always "addressed" by
// an offset and are assumed to perform atomically. A Region is not safe for
// concurrent access, it's designed for consumption by the other objects in
// package, which should use a Region from one goroutine only or via a mutex.
//
// Sbrk MUST NOT call back into any method of the Heap it backs.
type Region interface {
	// As os.File.Close().
	Close() error

	// As os.File.Name().
	Name() string

	// PunchHole deallocates space inside the region in the byte range
	// starting at off and continuing for size bytes. The Region break (as
	// reported by Size) does not change when hole punching. A Region is
	// free to ignore PunchHole (implement it as a nop), and no guarantees
	// about the content of the hole, when eventually read back, are
	// required, i.e. any data, not only zeros, can be read from the
	// "hole".
	PunchHole(off, size int64) error

	// As os.File.ReadAt. `off` is an absolute address within the region
	// and cannot be negative.
	ReadAt(b []byte, off int64) (n int, err error)

	// Sbrk adjusts the region end by delta bytes and returns the previous
	// end, or -1 if the adjustment cannot be honored. A positive delta
	// grows the region, a negative delta shrinks it, a zero delta only
	// reports the current end. Content of bytes acquired by growing is
	// undefined.
	Sbrk(delta int32) int64

	// Size returns the current region end (the break).
	Size() int64

	// As os.File.WriteAt(). `off` is an absolute address within the
	// region and cannot be negative. Writing at or above the break is an
	// error.
	WriteAt(b []byte, off int64) (n int, err error)
}

// sbrkFail is the Sbrk failure sentinel.
const sbrkFail = -1
