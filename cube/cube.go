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

// Package cube implements a dense 3-D array over a flat byte buffer,
// with the slab and box copies that block iteration, halo padding and
// reslicing are built from. Data is laid out row-major with the last
// dimension contiguous.
package cube

import (
	"bytes"
	"fmt"
	"unsafe"

	"github.com/tomostream/tomostream/dtype"
	"github.com/tomostream/tomostream/shape"
)

// Cube is a dense 3-D array. The buffer may be heap memory or a
// memory-mapped file; Cube itself never allocates behind the caller's
// back except in New and the copying accessors.
type Cube struct {
	Type dtype.T
	Dims shape.Shape
	Buf  []byte
}

// New allocates a zeroed cube.
func New(t dtype.T, dims shape.Shape) *Cube {
	return &Cube{Type: t, Dims: dims, Buf: make([]byte, dims.Prod()*t.Size())}
}

// Wrap builds a cube over an existing buffer. The buffer length must
// match the shape exactly.
func Wrap(t dtype.T, dims shape.Shape, buf []byte) (*Cube, error) {
	want := dims.Prod() * t.Size()
	if len(buf) != want {
		return nil, fmt.Errorf("cube: buffer is %d bytes, shape %s of %s needs %d", len(buf), dims, t, want)
	}
	return &Cube{Type: t, Dims: dims, Buf: buf}, nil
}

// NBytes returns the size of the cube's data in bytes.
func (c *Cube) NBytes() int64 {
	return int64(len(c.Buf))
}

// Clone returns a deep copy.
func (c *Cube) Clone() *Cube {
	buf := make([]byte, len(c.Buf))
	copy(buf, c.Buf)
	return &Cube{Type: c.Type, Dims: c.Dims, Buf: buf}
}

// Equal reports whether two cubes have identical type, shape and
// contents.
func (c *Cube) Equal(other *Cube) bool {
	return c.Type == other.Type && c.Dims == other.Dims && bytes.Equal(c.Buf, other.Buf)
}

func (c *Cube) offset(i shape.Index) int {
	return ((i[0]*c.Dims[1]+i[1])*c.Dims[2] + i[2]) * c.Type.Size()
}

func checkBox(name string, dims shape.Shape, lo shape.Index, box shape.Shape) error {
	for d := 0; d < 3; d++ {
		if lo[d] < 0 || box[d] < 0 || lo[d]+box[d] > dims[d] {
			return fmt.Errorf("cube: %s box [%d, %d) out of range [0, %d) in dim %d",
				name, lo[d], lo[d]+box[d], dims[d], d)
		}
	}
	return nil
}

// copyBox copies a box of the given extent from src at srcLo to dst
// at dstLo. Runs along the last dimension are contiguous and copied
// wholesale.
func copyBox(dst *Cube, dstLo shape.Index, src *Cube, srcLo shape.Index, box shape.Shape) {
	es := src.Type.Size()
	run := box[2] * es
	for i := 0; i < box[0]; i++ {
		for j := 0; j < box[1]; j++ {
			so := src.offset(shape.Index{srcLo[0] + i, srcLo[1] + j, srcLo[2]})
			do := dst.offset(shape.Index{dstLo[0] + i, dstLo[1] + j, dstLo[2]})
			copy(dst.Buf[do:do+run], src.Buf[so:so+run])
		}
	}
}

// ReadBox copies out the box of the given extent starting at lo.
func (c *Cube) ReadBox(lo shape.Index, box shape.Shape) (*Cube, error) {
	if err := checkBox("read", c.Dims, lo, box); err != nil {
		return nil, err
	}
	out := New(c.Type, box)
	copyBox(out, shape.Index{}, c, lo, box)
	return out, nil
}

// WriteBox copies src into the cube with its origin at lo.
func (c *Cube) WriteBox(lo shape.Index, src *Cube) error {
	if src.Type != c.Type {
		return fmt.Errorf("cube: write of %s into %s", src.Type, c.Type)
	}
	if err := checkBox("write", c.Dims, lo, src.Dims); err != nil {
		return err
	}
	copyBox(c, lo, src, shape.Index{}, src.Dims)
	return nil
}

// Slab copies out n slices along dim starting at start.
func (c *Cube) Slab(dim, start, n int) (*Cube, error) {
	var lo shape.Index
	lo[dim] = start
	return c.ReadBox(lo, c.Dims.WithDim(dim, n))
}

// WriteSlab copies src into the cube at offset start along dim. The
// non-dim extents of src must equal the cube's.
func (c *Cube) WriteSlab(dim, start int, src *Cube) error {
	for d := 0; d < 3; d++ {
		if d != dim && src.Dims[d] != c.Dims[d] {
			return fmt.Errorf("cube: slab extent %d in dim %d, cube has %d", src.Dims[d], d, c.Dims[d])
		}
	}
	var lo shape.Index
	lo[dim] = start
	return c.WriteBox(lo, src)
}

// Uint16s returns the buffer viewed as uint16 elements.
func (c *Cube) Uint16s() []uint16 {
	if c.Type != dtype.Uint16 {
		panic("cube: Uint16s on " + c.Type.String())
	}
	if len(c.Buf) == 0 {
		return nil
	}
	return unsafe.Slice((*uint16)(unsafe.Pointer(&c.Buf[0])), len(c.Buf)/2)
}

// Int32s returns the buffer viewed as int32 elements.
func (c *Cube) Int32s() []int32 {
	if c.Type != dtype.Int32 {
		panic("cube: Int32s on " + c.Type.String())
	}
	if len(c.Buf) == 0 {
		return nil
	}
	return unsafe.Slice((*int32)(unsafe.Pointer(&c.Buf[0])), len(c.Buf)/4)
}

// Float32s returns the buffer viewed as float32 elements.
func (c *Cube) Float32s() []float32 {
	if c.Type != dtype.Float32 {
		panic("cube: Float32s on " + c.Type.String())
	}
	if len(c.Buf) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&c.Buf[0])), len(c.Buf)/4)
}

// Float64s returns the buffer viewed as float64 elements.
func (c *Cube) Float64s() []float64 {
	if c.Type != dtype.Float64 {
		panic("cube: Float64s on " + c.Type.String())
	}
	if len(c.Buf) == 0 {
		return nil
	}
	return unsafe.Slice((*float64)(unsafe.Pointer(&c.Buf[0])), len(c.Buf)/8)
}

// ConvertTo returns a copy of the cube with elements converted to t.
// Converting to the cube's own type is a plain clone.
func (c *Cube) ConvertTo(t dtype.T) *Cube {
	if t == c.Type {
		return c.Clone()
	}
	out := New(t, c.Dims)
	n := c.Dims.Prod()
	for i := 0; i < n; i++ {
		setElem(out, i, elem(c, i))
	}
	return out
}

func elem(c *Cube, i int) float64 {
	switch c.Type {
	case dtype.Uint16:
		return float64(c.Uint16s()[i])
	case dtype.Int32:
		return float64(c.Int32s()[i])
	case dtype.Float32:
		return float64(c.Float32s()[i])
	default:
		return c.Float64s()[i]
	}
}

func setElem(c *Cube, i int, v float64) {
	switch c.Type {
	case dtype.Uint16:
		c.Uint16s()[i] = uint16(v)
	case dtype.Int32:
		c.Int32s()[i] = int32(v)
	case dtype.Float32:
		c.Float32s()[i] = float32(v)
	default:
		c.Float64s()[i] = v
	}
}
