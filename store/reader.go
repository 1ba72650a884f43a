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
	"encoding/binary"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/tomostream/tomostream/block"
	"github.com/tomostream/tomostream/comm"
	"github.com/tomostream/tomostream/cube"
	"github.com/tomostream/tomostream/dtype"
	"github.com/tomostream/tomostream/shape"
)

// Reader is the source side of a sealed store. It owns the chunk
// buffer; chunkShape and chunkIndex describe the core chunk, while
// the buffer is widened by the halo padding along the slicing
// dimension once materializePadding has run.
type Reader struct {
	comm   comm.Comm
	logger log.Logger

	slicingDim  int
	globalShape shape.Shape
	chunkShape  shape.Shape
	chunkIndex  shape.Index
	padding     shape.Padding
	dt          dtype.T
	aux         *block.AuxData

	data  chunkBuf
	alloc func(t dtype.T, dims shape.Shape) (chunkBuf, error)
}

func (r *Reader) SlicingDim() int          { return r.slicingDim }
func (r *Reader) GlobalShape() shape.Shape { return r.globalShape }
func (r *Reader) DType() dtype.T           { return r.dt }
func (r *Reader) Aux() *block.AuxData      { return r.aux }
func (r *Reader) Padding() shape.Padding   { return r.padding }

// ChunkShape returns the chunk extents served by this reader,
// including materialized halo slices on the slicing dimension.
func (r *Reader) ChunkShape() shape.Shape {
	return r.chunkShape.WithDim(r.slicingDim, r.chunkShape[r.slicingDim]+r.padding.Sum())
}

// GlobalIndex returns the global origin of the served chunk; with
// padding it starts before the core chunk.
func (r *Reader) GlobalIndex() shape.Index {
	idx := r.chunkIndex
	idx[r.slicingDim] -= r.padding.Before
	return idx
}

// IsFileBased reports whether the chunk lives in a scratch file.
func (r *Reader) IsFileBased() bool { return r.data.fileBased() }

// Filename returns the scratch file path for a file-backed store.
func (r *Reader) Filename() string { return r.data.filename() }

// ReadBlock serves length slices starting at start (in core chunk
// coordinates), widened by the reader's halo padding. Blocks must lie
// inside the core chunk.
func (r *Reader) ReadBlock(start, length int) (*block.Block, error) {
	s := r.slicingDim
	coreLen := r.chunkShape[s]
	if start < 0 || length < 0 || start+length > coreLen {
		return nil, &OutOfChunkError{Start: start, Length: length, Chunk: coreLen, Padding: r.padding}
	}
	bufDims := r.data.dims()
	var lo shape.Index
	lo[s] = start
	data, err := r.data.readBox(lo, bufDims.WithDim(s, length+r.padding.Sum()))
	if err != nil {
		return nil, err
	}
	return block.New(data, r.aux, s, r.globalShape, r.chunkShape, r.chunkIndex, start, r.padding)
}

// Finalize releases the chunk buffer; for a file-backed store this
// closes and deletes the scratch file.
func (r *Reader) Finalize() error {
	if r.data == nil {
		return nil
	}
	err := r.data.free()
	r.data = nil
	return err
}

// tile headers carry the global placement of an exchanged sub-tile:
// four u64 fields, then the raw payload.
const tileHdrLen = 32

func encodeTile(a, b, c, d int, payload []byte) []byte {
	out := make([]byte, tileHdrLen+len(payload))
	binary.LittleEndian.PutUint64(out[0:], uint64(a))
	binary.LittleEndian.PutUint64(out[8:], uint64(b))
	binary.LittleEndian.PutUint64(out[16:], uint64(c))
	binary.LittleEndian.PutUint64(out[24:], uint64(d))
	copy(out[tileHdrLen:], payload)
	return out
}

func decodeTile(buf []byte) (a, b, c, d int, payload []byte, err error) {
	if len(buf) < tileHdrLen {
		return 0, 0, 0, 0, nil, fmt.Errorf("dataset store: tile of %d bytes is too short", len(buf))
	}
	a = int(binary.LittleEndian.Uint64(buf[0:]))
	b = int(binary.LittleEndian.Uint64(buf[8:]))
	c = int(binary.LittleEndian.Uint64(buf[16:]))
	d = int(binary.LittleEndian.Uint64(buf[24:]))
	return a, b, c, d, buf[tileHdrLen:], nil
}

// reslice redistributes the chunk from oldDim to newDim across the
// process group: every rank sends each peer the sub-tile of its chunk
// that falls in the peer's new chunk and assembles the symmetric
// tiles it receives. With a single process only the metadata changes.
func (r *Reader) reslice(oldDim, newDim int) error {
	n := r.comm.Size()
	G := r.globalShape
	if n == 1 {
		// the chunk is the whole volume; only the orientation of
		// the partition changes
		r.chunkIndex = shape.Index{}
		return nil
	}
	rank := r.comm.Rank()
	myNewStart, myNewLen := shape.CeilSplit(G[newDim], n, rank)
	myOldStart := r.chunkIndex[oldDim]
	myOldLen := r.chunkShape[oldDim]
	level.Debug(r.logger).Log("msg", "reslicing chunk", "from_dim", oldDim, "to_dim", newDim,
		"new_start", myNewStart, "new_len", myNewLen)

	parts := make([][]byte, n)
	for p := 0; p < n; p++ {
		pStart, pLen := shape.CeilSplit(G[newDim], n, p)
		var lo shape.Index
		lo[newDim] = pStart - r.chunkIndex[newDim]
		tile, err := r.data.readBox(lo, r.chunkShape.WithDim(newDim, pLen))
		if err != nil {
			return fmt.Errorf("dataset store: reslice: %w", err)
		}
		parts[p] = encodeTile(myOldStart, myOldLen, pStart, pLen, tile.Buf)
	}
	got, err := r.comm.AllToAll(parts)
	if err != nil {
		return fmt.Errorf("dataset store: reslice exchange: %w", err)
	}

	newShape := r.chunkShape.WithDim(oldDim, G[oldDim]).WithDim(newDim, myNewLen)
	newData, err := r.alloc(r.dt, newShape)
	if err != nil {
		return fmt.Errorf("dataset store: reslice: %w", err)
	}
	for p, buf := range got {
		oldStart, oldLen, newStart, newLen, payload, err := decodeTile(buf)
		if err != nil {
			return err
		}
		if newLen != myNewLen || newStart != myNewStart {
			return fmt.Errorf("dataset store: reslice: rank %d sent tile for range [%d, %d), want [%d, %d)",
				p, newStart, newStart+newLen, myNewStart, myNewStart+myNewLen)
		}
		if oldLen == 0 || newLen == 0 {
			continue
		}
		tileDims := newShape.WithDim(oldDim, oldLen)
		tile, err := cube.Wrap(r.dt, tileDims, payload)
		if err != nil {
			return fmt.Errorf("dataset store: reslice: tile from rank %d: %w", p, err)
		}
		var lo shape.Index
		lo[oldDim] = oldStart
		if err := newData.writeBox(lo, tile); err != nil {
			return fmt.Errorf("dataset store: reslice: %w", err)
		}
	}
	if err := r.data.free(); err != nil {
		return err
	}
	r.data = newData
	r.chunkShape = newShape
	var idx shape.Index
	idx[newDim] = myNewStart
	r.chunkIndex = idx
	return nil
}

// materializePadding widens the chunk buffer by pb/pa halo slices
// along the slicing dimension. Halo slices inside a neighbour's chunk
// are exchanged pairwise; slices outside the global volume repeat the
// nearest valid slice.
func (r *Reader) materializePadding(pad shape.Padding) error {
	s := r.slicingDim
	n := r.comm.Size()
	coreLen := r.chunkShape[s]

	bufDims := r.chunkShape.WithDim(s, coreLen+pad.Sum())
	newData, err := r.alloc(r.dt, bufDims)
	if err != nil {
		return fmt.Errorf("dataset store: padding: %w", err)
	}
	core, err := r.data.readBox(shape.Index{}, r.chunkShape)
	if err != nil {
		return fmt.Errorf("dataset store: padding: %w", err)
	}
	var lo shape.Index
	lo[s] = pad.Before
	if err := newData.writeBox(lo, core); err != nil {
		return fmt.Errorf("dataset store: padding: %w", err)
	}

	if n > 1 {
		if err := r.exchangeHalos(newData, pad); err != nil {
			return err
		}
	}
	if err := r.extrapolateEdges(newData, pad); err != nil {
		return err
	}
	if err := r.data.free(); err != nil {
		return err
	}
	r.data = newData
	r.padding = pad
	return nil
}

// exchangeHalos sends every peer the slices of this rank's chunk that
// fall in the peer's halo ranges and writes the symmetric slices it
// receives. Extents are gathered first, so the chunk partition along
// the slicing dim need not follow any particular rule.
func (r *Reader) exchangeHalos(newData chunkBuf, pad shape.Padding) error {
	s := r.slicingDim
	n := r.comm.Size()
	coreLen := r.chunkShape[s]
	myStart := r.chunkIndex[s]

	extents := make([]byte, 16)
	binary.LittleEndian.PutUint64(extents[0:], uint64(myStart))
	binary.LittleEndian.PutUint64(extents[8:], uint64(coreLen))
	extParts := make([][]byte, n)
	for i := range extParts {
		extParts[i] = extents
	}
	gotExt, err := r.comm.AllToAll(extParts)
	if err != nil {
		return fmt.Errorf("dataset store: padding exchange: %w", err)
	}

	parts := make([][]byte, n)
	for p := 0; p < n; p++ {
		if p == r.comm.Rank() {
			continue
		}
		pStart := int(binary.LittleEndian.Uint64(gotExt[p][0:]))
		pLen := int(binary.LittleEndian.Uint64(gotExt[p][8:]))
		var payload []byte
		for _, want := range [][2]int{
			{pStart - pad.Before, pad.Before},
			{pStart + pLen, pad.After},
		} {
			lo, length := intersect(want[0], want[1], myStart, coreLen)
			if length <= 0 {
				continue
			}
			var boxLo shape.Index
			boxLo[s] = lo - myStart
			slab, err := r.data.readBox(boxLo, r.chunkShape.WithDim(s, length))
			if err != nil {
				return fmt.Errorf("dataset store: padding exchange: %w", err)
			}
			payload = append(payload, encodeTile(lo, length, 0, 0, slab.Buf)...)
		}
		parts[p] = payload
	}
	got, err := r.comm.AllToAll(parts)
	if err != nil {
		return fmt.Errorf("dataset store: padding exchange: %w", err)
	}
	for p, buf := range got {
		if p == r.comm.Rank() {
			continue
		}
		for len(buf) > 0 {
			gStart, gLen, _, _, rest, err := decodeTile(buf)
			if err != nil {
				return err
			}
			dims := r.chunkShape.WithDim(s, gLen)
			nbytes := dims.Prod() * r.dt.Size()
			if nbytes > len(rest) {
				return fmt.Errorf("dataset store: padding exchange: short tile from rank %d", p)
			}
			tile, err := cube.Wrap(r.dt, dims, rest[:nbytes])
			if err != nil {
				return err
			}
			var lo shape.Index
			lo[s] = gStart - myStart + pad.Before
			if err := newData.writeBox(lo, tile); err != nil {
				return fmt.Errorf("dataset store: padding exchange: %w", err)
			}
			buf = rest[nbytes:]
		}
	}
	return nil
}

// extrapolateEdges fills halo positions outside the global volume by
// repeating the first or last valid slice.
func (r *Reader) extrapolateEdges(newData chunkBuf, pad shape.Padding) error {
	s := r.slicingDim
	coreLen := r.chunkShape[s]
	myStart := r.chunkIndex[s]
	G := r.globalShape[s]

	copySlice := func(fromBuf, toBuf int) error {
		var lo shape.Index
		lo[s] = fromBuf
		slab, err := newData.readBox(lo, r.chunkShape.WithDim(s, 1))
		if err != nil {
			return err
		}
		lo[s] = toBuf
		return newData.writeBox(lo, slab)
	}
	for i := 0; i < pad.Before; i++ {
		if myStart-pad.Before+i < 0 {
			if err := copySlice(-myStart+pad.Before, i); err != nil {
				return fmt.Errorf("dataset store: edge padding: %w", err)
			}
		}
	}
	for i := 0; i < pad.After; i++ {
		buf := coreLen + pad.Before + i
		if myStart+coreLen+i >= G {
			if err := copySlice(G-1-myStart+pad.Before, buf); err != nil {
				return fmt.Errorf("dataset store: edge padding: %w", err)
			}
		}
	}
	return nil
}

func intersect(aStart, aLen, bStart, bLen int) (start, length int) {
	lo := aStart
	if bStart > lo {
		lo = bStart
	}
	hi := aStart + aLen
	if bStart+bLen < hi {
		hi = bStart + bLen
	}
	return lo, hi - lo
}
