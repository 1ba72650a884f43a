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

// Package store implements the process-local data-set store that
// couples two pipeline sections: a Writer accepts the blocks one
// section produces, a Reader serves them to the next, reslicing
// between slicing dimensions and materializing halo padding on
// demand. The chunk lives in RAM when it fits and spills to a scratch
// file otherwise.
package store

import (
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/tomostream/tomostream/block"
	"github.com/tomostream/tomostream/comm"
	"github.com/tomostream/tomostream/cube"
	"github.com/tomostream/tomostream/dtype"
	"github.com/tomostream/tomostream/shape"
)

// Backing selects where a store keeps its chunk.
type Backing uint8

const (
	// BackingAuto stays in RAM and spills to a file when the chunk
	// does not fit.
	BackingAuto Backing = iota
	BackingMemory
	BackingFile
)

// KeepDim tells MakeReader to keep the writer's slicing dimension.
const KeepDim = -1

const (
	stateEmpty = iota
	statePopulating
	stateSealed
)

// WriterConfig configures a store writer.
type WriterConfig struct {
	// SlicingDim is the dimension blocks are sliced along.
	SlicingDim int
	// Comm is the process group; reslice and halo exchange are
	// collective over it.
	Comm comm.Comm
	// TempDir receives scratch files for spilled chunks.
	TempDir string
	// MemoryLimit caps the in-memory chunk size in bytes under
	// BackingAuto; 0 means no explicit cap.
	MemoryLimit int64
	Backing     Backing
	Logger      log.Logger
}

// Writer is the sink side of a store. The first block written fixes
// the store's shapes, index and dtype; all later blocks must agree.
type Writer struct {
	cfg   WriterConfig
	state int

	globalShape shape.Shape
	chunkShape  shape.Shape
	chunkIndex  shape.Index
	dt          dtype.T
	aux         *block.AuxData

	data    chunkBuf
	written []bool

	// allocMem is the in-memory chunk allocator; stubbed by tests to
	// simulate allocation failure.
	allocMem func(t dtype.T, dims shape.Shape) (*cube.Cube, error)
}

// NewWriter builds an empty store writer.
func NewWriter(cfg WriterConfig) *Writer {
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}
	return &Writer{
		cfg: cfg,
		allocMem: func(t dtype.T, dims shape.Shape) (*cube.Cube, error) {
			return cube.New(t, dims), nil
		},
	}
}

func (w *Writer) SlicingDim() int          { return w.cfg.SlicingDim }
func (w *Writer) GlobalShape() shape.Shape { return w.globalShape }
func (w *Writer) ChunkShape() shape.Shape  { return w.chunkShape }
func (w *Writer) GlobalIndex() shape.Index { return w.chunkIndex }
func (w *Writer) DType() dtype.T           { return w.dt }

// IsFileBased reports whether the chunk has been spilled to a scratch
// file.
func (w *Writer) IsFileBased() bool {
	return w.data != nil && w.data.fileBased()
}

// Filename returns the scratch file path for a file-backed store.
func (w *Writer) Filename() string {
	if w.data == nil {
		return ""
	}
	return w.data.filename()
}

// WriteBlock copies the block's core region into the chunk at the
// block's offset. The first write infers the store's geometry.
func (w *Writer) WriteBlock(b *block.Block) error {
	if w.state == stateSealed {
		return ErrWriteAfterSeal
	}
	core, err := b.Core()
	if err != nil {
		return err
	}
	if w.state == stateEmpty {
		if err := w.firstWrite(b, core); err != nil {
			return err
		}
	} else if err := w.checkBlock(b, core); err != nil {
		return err
	}
	s := w.cfg.SlicingDim
	start, length := b.BlockStart(), core.Dims[s]
	if start < 0 || start+length > w.chunkShape[s] {
		return &OutOfChunkError{Start: start, Length: length, Chunk: w.chunkShape[s]}
	}
	for i := start; i < start+length; i++ {
		if w.written[i] {
			return fmt.Errorf("dataset store: slice %d written twice", i)
		}
		w.written[i] = true
	}
	var lo shape.Index
	lo[s] = start
	return w.data.writeBox(lo, core)
}

func (w *Writer) firstWrite(b *block.Block, core *cube.Cube) error {
	w.globalShape = b.GlobalShape()
	w.chunkShape = b.ChunkShape()
	w.chunkIndex = b.ChunkOrigin()
	w.dt = core.Type
	w.aux = b.AuxData()
	w.written = make([]bool, w.chunkShape[w.cfg.SlicingDim])
	data, err := w.allocChunk(w.dt, w.chunkShape)
	if err != nil {
		return err
	}
	w.data = data
	w.state = statePopulating
	return nil
}

// allocChunk applies the backing policy: an explicit choice wins;
// under BackingAuto the chunk goes to a file when it exceeds the
// memory limit or when the in-memory allocation fails.
func (w *Writer) allocChunk(t dtype.T, dims shape.Shape) (chunkBuf, error) {
	nbytes := int64(dims.Prod()) * int64(t.Size())
	switch w.cfg.Backing {
	case BackingFile:
		return newFileChunk(w.cfg.TempDir, t, dims)
	case BackingMemory:
		c, err := w.allocMem(t, dims)
		if err != nil {
			return nil, err
		}
		return &memChunk{c: c}, nil
	}
	if w.cfg.MemoryLimit > 0 && nbytes > w.cfg.MemoryLimit {
		level.Debug(w.cfg.Logger).Log("msg", "chunk exceeds memory limit, using file-based store",
			"bytes", nbytes, "limit", w.cfg.MemoryLimit)
		return newFileChunk(w.cfg.TempDir, t, dims)
	}
	c, err := w.allocMem(t, dims)
	if err != nil {
		level.Info(w.cfg.Logger).Log("msg", "memory allocation failed, using file-based store",
			"bytes", nbytes, "err", err)
		return newFileChunk(w.cfg.TempDir, t, dims)
	}
	return &memChunk{c: c}, nil
}

func (w *Writer) checkBlock(b *block.Block, core *cube.Cube) error {
	if b.GlobalShape() != w.globalShape {
		return &ShapeMismatchError{Field: "global shape", Got: b.GlobalShape().String(), Want: w.globalShape.String()}
	}
	if b.ChunkShape() != w.chunkShape {
		return &ShapeMismatchError{Field: "chunk shape", Got: b.ChunkShape().String(), Want: w.chunkShape.String()}
	}
	if b.ChunkOrigin() != w.chunkIndex {
		return &ShapeMismatchError{Field: "global index", Got: b.ChunkOrigin().String(), Want: w.chunkIndex.String()}
	}
	if core.Type != w.dt {
		return &ShapeMismatchError{Field: "dtype", Got: core.Type.String(), Want: w.dt.String()}
	}
	return nil
}

// MakeReader seals the store and hands its chunk to a new Reader.
// When newSlicingDim differs from the writer's dimension the chunk is
// resliced collectively; a non-zero padding materializes halo slices
// along the (new) slicing dimension. MakeReader with padding or a new
// dimension must be called by all ranks of the group together.
func (w *Writer) MakeReader(newSlicingDim int, pad shape.Padding) (*Reader, error) {
	if w.state == stateEmpty {
		return nil, ErrEmptyStore
	}
	if w.state == stateSealed {
		return nil, fmt.Errorf("dataset store: reader already created")
	}
	w.state = stateSealed
	dim := w.cfg.SlicingDim
	if newSlicingDim != KeepDim {
		dim = newSlicingDim
	}
	r := &Reader{
		comm:        w.cfg.Comm,
		logger:      w.cfg.Logger,
		slicingDim:  dim,
		globalShape: w.globalShape,
		chunkShape:  w.chunkShape,
		chunkIndex:  w.chunkIndex,
		dt:          w.dt,
		aux:         w.aux,
		data:        w.data,
		alloc:       w.allocChunk,
	}
	w.data = nil
	if dim != w.cfg.SlicingDim {
		if err := r.reslice(w.cfg.SlicingDim, dim); err != nil {
			return nil, err
		}
	}
	if pad != (shape.Padding{}) {
		if err := r.materializePadding(pad); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Finalize releases the chunk if the writer still owns it. Calling
// Finalize after MakeReader is a no-op; the reader owns the buffers
// then.
func (w *Writer) Finalize() error {
	if w.data == nil {
		return nil
	}
	err := w.data.free()
	w.data = nil
	return err
}
