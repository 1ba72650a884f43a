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

// Package block defines the unit of work flowing through a pipeline:
// a view over a sub-range of the process-local chunk along the
// current slicing dimension, together with the shared auxiliary data
// and the indexing needed to place it in the global volume.
package block

import (
	"fmt"

	"github.com/tomostream/tomostream/cube"
	"github.com/tomostream/tomostream/gpu"
	"github.com/tomostream/tomostream/shape"
)

// Block is a mutable 3-D tile. Its data spans the block's core range
// widened by the halo padding on the slicing dimension. Methods may
// replace the data with one of a different non-slicing shape; the
// slicing-dim extent is fixed for the block's lifetime.
type Block struct {
	data *cube.Cube
	dev  *gpu.Buffer
	host []byte // host buffer parked while resident on device
	aux  *AuxData

	slicingDim  int
	globalShape shape.Shape
	chunkShape  shape.Shape
	chunkIndex  shape.Index // global index of the chunk origin
	blockStart  int         // core start within the chunk, slicing dim
	padding     shape.Padding
}

// New builds a block over data. The data's slicing-dim extent must
// equal the core length plus the halo padding; its non-slicing
// extents must match the chunk.
func New(data *cube.Cube, aux *AuxData, slicingDim int, globalShape, chunkShape shape.Shape,
	chunkIndex shape.Index, blockStart int, padding shape.Padding) (*Block, error) {
	s := slicingDim
	if s < 0 || s > 2 {
		return nil, fmt.Errorf("block: slicing dim %d", s)
	}
	core := data.Dims[s] - padding.Sum()
	if core < 0 {
		return nil, fmt.Errorf("block: data extent %d is smaller than padding (%d, %d)",
			data.Dims[s], padding.Before, padding.After)
	}
	if blockStart < -padding.Before || blockStart+core > chunkShape[s]+padding.After {
		return nil, fmt.Errorf("block: range [%d, %d) outside chunk of %d slices (padding (%d, %d))",
			blockStart, blockStart+core, chunkShape[s], padding.Before, padding.After)
	}
	for d := 0; d < 3; d++ {
		if d != s && data.Dims[d] != chunkShape[d] {
			return nil, fmt.Errorf("block: data extent %d in dim %d, chunk has %d", data.Dims[d], d, chunkShape[d])
		}
	}
	return &Block{
		data:        data,
		aux:         aux,
		slicingDim:  s,
		globalShape: globalShape,
		chunkShape:  chunkShape,
		chunkIndex:  chunkIndex,
		blockStart:  blockStart,
		padding:     padding,
	}, nil
}

// Data returns the block's (padded) data. While the block is resident
// on a device, the cube's buffer is device memory.
func (b *Block) Data() *cube.Cube { return b.data }

// SetData replaces the block's data. The slicing-dim extent must be
// preserved; non-slicing extents may change, in which case the chunk
// and global shapes follow.
func (b *Block) SetData(c *cube.Cube) error {
	if c.Dims[b.slicingDim] != b.data.Dims[b.slicingDim] {
		return fmt.Errorf("block: data changes slicing-dim extent %d to %d",
			b.data.Dims[b.slicingDim], c.Dims[b.slicingDim])
	}
	if b.dev != nil {
		return fmt.Errorf("block: SetData while resident on device")
	}
	for d := 0; d < 3; d++ {
		if d == b.slicingDim {
			continue
		}
		b.chunkShape[d] = c.Dims[d]
		b.globalShape[d] = c.Dims[d]
	}
	b.data = c
	return nil
}

// Shape returns the extents of the block's data, padding included.
func (b *Block) Shape() shape.Shape { return b.data.Dims }

// CoreLength returns the block length along the slicing dim without
// halo slices.
func (b *Block) CoreLength() int { return b.data.Dims[b.slicingDim] - b.padding.Sum() }

// Core returns the block data with the halo stripped.
func (b *Block) Core() (*cube.Cube, error) {
	if b.padding == (shape.Padding{}) {
		return b.data, nil
	}
	return b.data.Slab(b.slicingDim, b.padding.Before, b.CoreLength())
}

func (b *Block) SlicingDim() int         { return b.slicingDim }
func (b *Block) BlockStart() int         { return b.blockStart }
func (b *Block) Padding() shape.Padding  { return b.padding }
func (b *Block) GlobalShape() shape.Shape { return b.globalShape }
func (b *Block) ChunkShape() shape.Shape  { return b.chunkShape }

// ChunkOrigin returns the global index of the owning chunk's origin.
func (b *Block) ChunkOrigin() shape.Index { return b.chunkIndex }

// ChunkIndex returns the index of the block's data origin within the
// chunk; with padding, the slicing-dim entry starts before the core.
func (b *Block) ChunkIndex() shape.Index {
	var idx shape.Index
	idx[b.slicingDim] = b.blockStart - b.padding.Before
	return idx
}

// GlobalIndex returns the index of the block's data origin in the
// global volume.
func (b *Block) GlobalIndex() shape.Index {
	idx := b.ChunkIndex()
	for d := 0; d < 3; d++ {
		idx[d] += b.chunkIndex[d]
	}
	return idx
}

// IsLastInChunk reports whether this block's core reaches the end of
// the chunk.
func (b *Block) IsLastInChunk() bool {
	return b.blockStart+b.CoreLength() >= b.chunkShape[b.slicingDim]
}

// AuxData returns the shared auxiliary bundle.
func (b *Block) AuxData() *AuxData { return b.aux }

// Angles returns the shared projection angles in radians.
func (b *Block) Angles() []float32 { return b.aux.Angles() }

// Darks returns the shared dark fields, or nil.
func (b *Block) Darks() *cube.Cube { return b.aux.Darks() }

// Flats returns the shared flat fields, or nil.
func (b *Block) Flats() *cube.Cube { return b.aux.Flats() }

// IsGPU reports whether the block data is device-resident.
func (b *Block) IsGPU() bool { return b.dev != nil }

// ToGPU moves the block's data into the device arena. A block already
// on the device is left alone.
func (b *Block) ToGPU(dev *gpu.Device) error {
	if b.dev != nil {
		return nil
	}
	buf, err := dev.Alloc(b.data.NBytes())
	if err != nil {
		return err
	}
	if err := buf.Upload(b.data.Buf); err != nil {
		buf.Free()
		return err
	}
	b.host = b.data.Buf
	b.data.Buf = buf.Bytes()
	b.dev = buf
	return nil
}

// ToCPU moves the block's data back to host memory and releases the
// device allocation. A block already on the host is left alone.
func (b *Block) ToCPU() error {
	if b.dev == nil {
		return nil
	}
	host := b.host
	if len(host) != len(b.data.Buf) {
		host = make([]byte, len(b.data.Buf))
	}
	if err := b.dev.Download(host); err != nil {
		return err
	}
	b.data.Buf = host
	b.host = nil
	b.dev.Free()
	b.dev = nil
	return nil
}
