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
	"math"

	"github.com/tomostream/tomostream/block"
	"github.com/tomostream/tomostream/comm"
	"github.com/tomostream/tomostream/dtype"
	"github.com/tomostream/tomostream/method"
	"github.com/tomostream/tomostream/shape"
)

func init() {
	method.Register("tomostream.methods", "calculate_stats", newCalculateStats)
}

// Stats is the global reduction emitted by calculate_stats as the
// "glob_stats" side output.
type Stats struct {
	Min      float64
	Max      float64
	Sum      float64
	Elements int64
}

// Mean returns the global mean, 0 for an empty volume.
func (s Stats) Mean() float64 {
	if s.Elements == 0 {
		return 0
	}
	return s.Sum / float64(s.Elements)
}

// CalculateStats accumulates min/max/sum over every block of the
// chunk and reduces across the process group once the last block has
// passed through. It requires all blocks (GlobStats), so the
// sectionizer places a barrier before it.
type CalculateStats struct {
	method.Base
	comm comm.Comm

	min, max float64
	sum      float64
	elements int64
	result   *Stats
}

func newCalculateStats(ctx method.Context, params map[string]any) (method.Wrapper, error) {
	m := &CalculateStats{
		Base: method.NewBase("tomostream.methods", "calculate_stats", "tomostream",
			shape.PatternAll, params),
		comm: ctx.Comm,
		min:  math.Inf(1),
		max:  math.Inf(-1),
	}
	m.Glob = true
	return m, nil
}

func (m *CalculateStats) Execute(b *block.Block) (*block.Block, error) {
	if err := b.ToCPU(); err != nil {
		return nil, err
	}
	core, err := b.Core()
	if err != nil {
		return nil, err
	}
	f := core.ConvertTo(dtype.Float32).Float32s()
	for _, v := range f {
		fv := float64(v)
		// NaN and infinities are treated as zero, as the reference
		// fields occasionally contain dead pixels
		if math.IsNaN(fv) || math.IsInf(fv, 0) {
			fv = 0
		}
		if fv < m.min {
			m.min = fv
		}
		if fv > m.max {
			m.max = fv
		}
		m.sum += fv
	}
	m.elements += int64(len(f))

	if b.IsLastInChunk() {
		if err := m.reduce(); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (m *CalculateStats) reduce() error {
	min, err := comm.AllReduceF64(m.comm, m.min, comm.OpMin)
	if err != nil {
		return err
	}
	max, err := comm.AllReduceF64(m.comm, m.max, comm.OpMax)
	if err != nil {
		return err
	}
	sum, err := comm.AllReduceF64(m.comm, m.sum, comm.OpSum)
	if err != nil {
		return err
	}
	n, err := comm.AllReduceI64(m.comm, m.elements, comm.OpSum)
	if err != nil {
		return err
	}
	m.result = &Stats{Min: min, Max: max, Sum: sum, Elements: n}
	return nil
}

func (m *CalculateStats) GetSideOutput() map[string]any {
	if m.result == nil {
		return nil
	}
	return map[string]any{"glob_stats": *m.result}
}
