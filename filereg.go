// Copyright 2026 The Buddy Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// A basic os.File backed Region.

package buddy

import (
	"os"

	"modernc.org/fileutil"
)

var _ Region = &SimpleFileRegion{} // Ensure SimpleFileRegion is a Region.

// SimpleFileRegion is an os.File backed Region intended for use where
// persistence of the heap across process lifetimes is wanted without going
// through Snapshot/Restore. The break is realized as the file size; hole
// punching is delegated to the OS, so large free spans do not occupy disk.
type SimpleFileRegion struct {
	file *os.File
	size int64
}

// NewSimpleFileRegion returns a new SimpleFileRegion.
func NewSimpleFileRegion(f *os.File) (r *SimpleFileRegion, err error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	return &SimpleFileRegion{file: f, size: fi.Size()}, nil
}

// Close implements Region.
func (f *SimpleFileRegion) Close() (err error) {
	return f.file.Close()
}

// Name implements Region.
func (f *SimpleFileRegion) Name() string {
	return f.file.Name()
}

// PunchHole implements Region.
func (f *SimpleFileRegion) PunchHole(off, size int64) (err error) {
	return fileutil.PunchHole(f.file, off, size)
}

// ReadAt implements Region.
func (f *SimpleFileRegion) ReadAt(b []byte, off int64) (n int, err error) {
	return f.file.ReadAt(b, off)
}

// Sbrk implements Region.
func (f *SimpleFileRegion) Sbrk(delta int32) int64 {
	prev := f.size
	size := f.size + int64(delta)
	if size < 0 {
		return sbrkFail
	}

	if err := f.file.Truncate(size); err != nil {
		return sbrkFail
	}

	f.size = size
	return prev
}

// Size implements Region.
func (f *SimpleFileRegion) Size() int64 {
	return f.size
}

// Sync commits the current contents of the region to stable storage.
func (f *SimpleFileRegion) Sync() (err error) {
	return f.file.Sync()
}

// WriteAt implements Region.
func (f *SimpleFileRegion) WriteAt(b []byte, off int64) (n int, err error) {
	if off < 0 || off+int64(len(b)) > f.size {
		return 0, &ErrINVAL{f.Name() + ":WriteAt off", off}
	}

	return f.file.WriteAt(b, off)
}
