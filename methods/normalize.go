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

// Package methods holds the built-in method implementations: dark and
// flat field normalization, log transforms, integer rescaling and
// global statistics. Reconstruction kernels are external packages
// registering themselves the same way these do.
package methods

import (
	"fmt"
	"math"

	"github.com/tomostream/tomostream/block"
	"github.com/tomostream/tomostream/cube"
	"github.com/tomostream/tomostream/dtype"
	"github.com/tomostream/tomostream/method"
	"github.com/tomostream/tomostream/shape"
)

const eps = 1e-9

func init() {
	method.Register("tomostream.prep.normalize", "normalize", newNormalize)
	method.Register("tomostream.prep.normalize", "minus_log", newMinusLog)
}

// Normalize applies dark/flat field correction to projections:
// (v - dark) / (flat - dark), optionally followed by the minus-log
// transform. Output is float32 regardless of the input dtype.
type Normalize struct {
	method.Base
	darkMean []float32
	flatMean []float32
	meanDims [2]int
}

func newNormalize(ctx method.Context, params map[string]any) (method.Wrapper, error) {
	m := &Normalize{Base: method.NewBase("tomostream.prep.normalize", "normalize", "tomostream",
		shape.PatternProjection, params)}
	return m, nil
}

// fieldMean averages a reference field over its first axis.
func fieldMean(c *cube.Cube) []float32 {
	f := c.ConvertTo(dtype.Float32).Float32s()
	rows := c.Dims[0]
	per := c.Dims[1] * c.Dims[2]
	out := make([]float32, per)
	for r := 0; r < rows; r++ {
		for i := 0; i < per; i++ {
			out[i] += f[r*per+i]
		}
	}
	inv := 1 / float32(rows)
	for i := range out {
		out[i] *= inv
	}
	return out
}

func (m *Normalize) Execute(b *block.Block) (*block.Block, error) {
	if err := b.ToCPU(); err != nil {
		return nil, err
	}
	darks, flats := b.Darks(), b.Flats()
	if darks == nil || flats == nil {
		return nil, fmt.Errorf("normalize: scan has no darks/flats")
	}
	dims := b.Shape()
	want := [2]int{dims[1], dims[2]}
	if m.darkMean == nil || m.meanDims != want {
		if darks.Dims[1] != dims[1] || darks.Dims[2] != dims[2] {
			return nil, fmt.Errorf("normalize: darks are %dx%d, data is %dx%d",
				darks.Dims[1], darks.Dims[2], dims[1], dims[2])
		}
		m.darkMean = fieldMean(darks)
		m.flatMean = fieldMean(flats)
		m.meanDims = want
	}
	minusLog, _ := m.boolParam("minus_log")

	in := b.Data().ConvertTo(dtype.Float32)
	f := in.Float32s()
	per := dims[1] * dims[2]
	for s := 0; s < dims[0]; s++ {
		row := f[s*per : (s+1)*per]
		for i := range row {
			denom := m.flatMean[i] - m.darkMean[i]
			if denom < eps {
				denom = eps
			}
			v := (row[i] - m.darkMean[i]) / denom
			if v < eps {
				v = eps
			}
			if minusLog {
				v = float32(-math.Log(float64(v)))
			}
			row[i] = v
		}
	}
	if err := b.SetData(in); err != nil {
		return nil, err
	}
	return b, nil
}

func (m *Normalize) boolParam(name string) (bool, bool) {
	v, ok := m.Param(name)
	if !ok {
		return false, false
	}
	bv, ok := v.(bool)
	return bv, ok
}

// MinusLog applies -log(v) on data that is already normalized.
type MinusLog struct {
	method.Base
}

func newMinusLog(ctx method.Context, params map[string]any) (method.Wrapper, error) {
	return &MinusLog{Base: method.NewBase("tomostream.prep.normalize", "minus_log", "tomostream",
		shape.PatternAll, params)}, nil
}

func (m *MinusLog) Execute(b *block.Block) (*block.Block, error) {
	if err := b.ToCPU(); err != nil {
		return nil, err
	}
	in := b.Data().ConvertTo(dtype.Float32)
	f := in.Float32s()
	for i, v := range f {
		if v < eps {
			v = eps
		}
		f[i] = float32(-math.Log(float64(v)))
	}
	if err := b.SetData(in); err != nil {
		return nil, err
	}
	return b, nil
}
