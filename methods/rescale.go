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

package methods

import (
	"fmt"

	"github.com/tomostream/tomostream/block"
	"github.com/tomostream/tomostream/cube"
	"github.com/tomostream/tomostream/dtype"
	"github.com/tomostream/tomostream/method"
	"github.com/tomostream/tomostream/shape"
)

func init() {
	method.Register("tomostream.misc.rescale", "rescale_to_int", newRescaleToInt)
}

// RescaleToInt linearly rescales float data into an integer range.
// The scale comes from the "glob_stats" side output when a
// calculate_stats method ran earlier in the pipeline; otherwise each
// block is scaled by its own extrema.
type RescaleToInt struct {
	method.Base
	bits int
}

func newRescaleToInt(ctx method.Context, params map[string]any) (method.Wrapper, error) {
	bits := 16
	if v, ok := params["bits"]; ok {
		switch n := v.(type) {
		case int:
			bits = n
		case float64:
			bits = int(n)
		default:
			return nil, fmt.Errorf("rescale_to_int: bits must be a number, got %T", v)
		}
	}
	if bits != 16 && bits != 32 {
		return nil, fmt.Errorf("rescale_to_int: unsupported bits %d", bits)
	}
	m := &RescaleToInt{
		Base: method.NewBase("tomostream.misc.rescale", "rescale_to_int", "tomostream",
			shape.PatternAll, params),
		bits: bits,
	}
	return m, nil
}

func (m *RescaleToInt) Execute(b *block.Block) (*block.Block, error) {
	if err := b.ToCPU(); err != nil {
		return nil, err
	}
	in := b.Data().ConvertTo(dtype.Float32)
	f := in.Float32s()

	var lo, hi float64
	if v, ok := m.Param("glob_stats"); ok {
		stats, ok := v.(Stats)
		if !ok {
			return nil, fmt.Errorf("rescale_to_int: glob_stats parameter is %T", v)
		}
		lo, hi = stats.Min, stats.Max
	} else {
		lo, hi = float64(f[0]), float64(f[0])
		for _, v := range f {
			if float64(v) < lo {
				lo = float64(v)
			}
			if float64(v) > hi {
				hi = float64(v)
			}
		}
	}
	span := hi - lo
	if span <= 0 {
		span = 1
	}

	outType := dtype.Uint16
	maxVal := float64(1<<16 - 1)
	if m.bits == 32 {
		outType = dtype.Int32
		maxVal = float64(1<<31 - 1)
	}
	out := cube.New(outType, in.Dims)
	for i, v := range f {
		scaled := (float64(v) - lo) / span
		if scaled < 0 {
			scaled = 0
		}
		if scaled > 1 {
			scaled = 1
		}
		switch outType {
		case dtype.Uint16:
			out.Uint16s()[i] = uint16(scaled * maxVal)
		default:
			out.Int32s()[i] = int32(scaled * maxVal)
		}
	}
	if err := b.SetData(out); err != nil {
		return nil, err
	}
	return b, nil
}
