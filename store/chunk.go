// Copyright 2024 Tomostream, Inc.
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/tomostream/tomostream/cube"
	"github.com/tomostream/tomostream/dtype"
	"github.com/tomostream/tomostream/shape"
)

// chunkBuf is the process-local chunk storage behind a store: either
// a heap cube or a scratch file accessed with positioned reads and
// writes.
type chunkBuf interface {
	dims() shape.Shape
	dataType() dtype.T
	readBox(lo shape.Index, box shape.Shape) (*cube.Cube, error)
	writeBox(lo shape.Index, src *cube.Cube) error
	fileBased() bool
	filename() string
	// free releases buffers; for file backing it closes and deletes
	// the scratch file.
	free() error
}

type memChunk struct {
	c *cube.Cube
}

func (m *memChunk) dims() shape.Shape    { return m.c.Dims }
func (m *memChunk) dataType() dtype.T    { return m.c.Type }
func (m *memChunk) fileBased() bool      { return false }
func (m *memChunk) filename() string     { return "" }
func (m *memChunk) free() error          { m.c = nil; return nil }

func (m *memChunk) readBox(lo shape.Index, box shape.Shape) (*cube.Cube, error) {
	return m.c.ReadBox(lo, box)
}

func (m *memChunk) writeBox(lo shape.Index, src *cube.Cube) error {
	return m.c.WriteBox(lo, src)
}

// fileChunk stores the chunk as flat little-endian data in a scratch
// file under the store's temp directory. Access is positioned I/O per
// contiguous run, so no part of the chunk needs to stay in memory.
type fileChunk struct {
	f    *os.File
	path string
	t    dtype.T
	d    shape.Shape
}

func newFileChunk(dir string, t dtype.T, d shape.Shape) (*fileChunk, error) {
	path := filepath.Join(dir, "store-"+uuid.NewString()+".tmp")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("dataset store: scratch file: %w", err)
	}
	if err := f.Truncate(int64(d.Prod()) * int64(t.Size())); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("dataset store: scratch file: %w", err)
	}
	return &fileChunk{f: f, path: path, t: t, d: d}, nil
}

func (c *fileChunk) dims() shape.Shape { return c.d }
func (c *fileChunk) dataType() dtype.T { return c.t }
func (c *fileChunk) fileBased() bool   { return true }
func (c *fileChunk) filename() string  { return c.path }

func (c *fileChunk) free() error {
	if c.f == nil {
		return nil
	}
	err := c.f.Close()
	c.f = nil
	if rmErr := os.Remove(c.path); err == nil {
		err = rmErr
	}
	return err
}

func (c *fileChunk) offset(i shape.Index) int64 {
	return ((int64(i[0])*int64(c.d[1])+int64(i[1]))*int64(c.d[2]) + int64(i[2])) * int64(c.t.Size())
}

func (c *fileChunk) checkBox(lo shape.Index, box shape.Shape) error {
	for d := 0; d < 3; d++ {
		if lo[d] < 0 || box[d] < 0 || lo[d]+box[d] > c.d[d] {
			return fmt.Errorf("dataset store: scratch box [%d, %d) out of range [0, %d) in dim %d",
				lo[d], lo[d]+box[d], c.d[d], d)
		}
	}
	return nil
}

func (c *fileChunk) readBox(lo shape.Index, box shape.Shape) (*cube.Cube, error) {
	if err := c.checkBox(lo, box); err != nil {
		return nil, err
	}
	out := cube.New(c.t, box)
	run := box[2] * c.t.Size()
	for i := 0; i < box[0]; i++ {
		for j := 0; j < box[1]; j++ {
			off := c.offset(shape.Index{lo[0] + i, lo[1] + j, lo[2]})
			dst := ((i*box[1] + j) * box[2]) * c.t.Size()
			if _, err := c.f.ReadAt(out.Buf[dst:dst+run], off); err != nil {
				return nil, fmt.Errorf("dataset store: scratch read: %w", err)
			}
		}
	}
	return out, nil
}

func (c *fileChunk) writeBox(lo shape.Index, src *cube.Cube) error {
	if src.Type != c.t {
		return fmt.Errorf("dataset store: scratch write of %s into %s", src.Type, c.t)
	}
	if err := c.checkBox(lo, src.Dims); err != nil {
		return err
	}
	run := src.Dims[2] * c.t.Size()
	for i := 0; i < src.Dims[0]; i++ {
		for j := 0; j < src.Dims[1]; j++ {
			off := c.offset(shape.Index{lo[0] + i, lo[1] + j, lo[2]})
			from := ((i*src.Dims[1] + j) * src.Dims[2]) * c.t.Size()
			if _, err := c.f.WriteAt(src.Buf[from:from+run], off); err != nil {
				return fmt.Errorf("dataset store: scratch write: %w", err)
			}
		}
	}
	return nil
}
