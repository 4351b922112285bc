// Copyright 2026 The Buddy Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package buddy

import (
	"io"
)

var _ Region = (*OSRegion)(nil)

// OSFile is an os.File like minimal set of methods allowing to construct a
// Region.
type OSFile interface {
	io.Closer
	io.ReadWriteSeeker
	Sync() (err error)
	Truncate(size int64) (err error)
}

// OSRegion is like a SimpleFileRegion but based on an OSFile, so any
// seekable, truncatable entity can back a heap. PunchHole is a nop. name is
// any string, it's used only by Name.
type OSRegion struct {
	f    OSFile
	name string
	size int64
}

// NewOSRegion returns a Region from an OSFile.
func NewOSRegion(f OSFile, name string) (r *OSRegion, err error) {
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, err
	}

	return &OSRegion{
		f:    f,
		name: name,
		size: size,
	}, nil
}

// Close implements Region.
func (f *OSRegion) Close() (err error) {
	return f.f.Close()
}

// Name implements Region.
func (f *OSRegion) Name() string {
	return f.name
}

// PunchHole implements Region.
func (f *OSRegion) PunchHole(off, size int64) (err error) {
	return
}

// ReadAt implements Region.
func (f *OSRegion) ReadAt(b []byte, off int64) (n int, err error) {
	if _, err = f.f.Seek(off, io.SeekStart); err != nil {
		return
	}

	return f.f.Read(b)
}

// Sbrk implements Region.
func (f *OSRegion) Sbrk(delta int32) int64 {
	prev := f.size
	size := f.size + int64(delta)
	if size < 0 {
		return sbrkFail
	}

	if err := f.f.Truncate(size); err != nil {
		return sbrkFail
	}

	f.size = size
	return prev
}

// Size implements Region.
func (f *OSRegion) Size() int64 {
	return f.size
}

// Sync commits the current contents of the region to stable storage.
func (f *OSRegion) Sync() (err error) {
	return f.f.Sync()
}

// WriteAt implements Region.
func (f *OSRegion) WriteAt(b []byte, off int64) (n int, err error) {
	if off < 0 || off+int64(len(b)) > f.size {
		return 0, &ErrINVAL{f.Name() + ":WriteAt off", off}
	}

	if _, err = f.f.Seek(off, io.SeekStart); err != nil {
		return
	}

	return f.f.Write(b)
}
