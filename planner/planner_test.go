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

package planner

import (
	"testing"

	"github.com/tomostream/tomostream/block"
	"github.com/tomostream/tomostream/cube"
	"github.com/tomostream/tomostream/dtype"
	"github.com/tomostream/tomostream/method"
	"github.com/tomostream/tomostream/shape"
)

// planMethod reports a fixed slice count and passes through a reduced
// remaining budget.
type planMethod struct {
	method.Base
	slices    int
	remaining int64
	sawAvail  int64
}

func (m *planMethod) Execute(b *block.Block) (*block.Block, error) { return b, nil }

func (m *planMethod) CalculateMaxSlices(dt dtype.T, nonSlice [2]int, available int64, darks, flats *cube.Cube) (int, int64) {
	m.sawAvail = available
	return m.slices, m.remaining
}

func newPlanMethod(slices int, remaining int64) *planMethod {
	return &planMethod{
		Base:      method.NewBase("test", "plan", "test", shape.PatternProjection, nil),
		slices:    slices,
		remaining: remaining,
	}
}

func TestCPUSectionUsesConfiguredCap(t *testing.T) {
	req := Request{Methods: []method.Wrapper{newPlanMethod(5, 0)}, GPU: false}
	if got := MaxSlices(req); got != DefaultCPUSlices {
		t.Errorf("default cap: got %d", got)
	}
	req.MaxCPUSlices = 7
	if got := MaxSlices(req); got != 7 {
		t.Errorf("explicit cap: got %d", got)
	}
}

func TestGPUSectionTakesMinimum(t *testing.T) {
	m1 := newPlanMethod(40, 500)
	m2 := newPlanMethod(12, 400)
	m3 := newPlanMethod(30, 300)
	for _, m := range []*planMethod{m1, m2, m3} {
		m.GPU = true
	}
	req := Request{
		Methods:   []method.Wrapper{m1, m2, m3},
		GPU:       true,
		DType:     dtype.Float32,
		NonSlice:  [2]int{10, 10},
		Available: 1000,
	}
	if got := MaxSlices(req); got != 12 {
		t.Errorf("got %d, want 12", got)
	}
	// each method sees the memory its predecessor reported as
	// remaining
	if m1.sawAvail != 1000 || m2.sawAvail != 500 || m3.sawAvail != 400 {
		t.Errorf("budgets %d %d %d", m1.sawAvail, m2.sawAvail, m3.sawAvail)
	}
}

func TestGPUSectionNeverReturnsZero(t *testing.T) {
	m := newPlanMethod(0, 0)
	m.GPU = true
	req := Request{Methods: []method.Wrapper{m}, GPU: true, Available: 1}
	if got := MaxSlices(req); got != 1 {
		t.Errorf("got %d, want 1", got)
	}
}

func TestBaseMaxSlicesScalesWithMemory(t *testing.T) {
	base := method.NewBase("test", "base", "test", shape.PatternProjection, nil)
	// 10x10 float32 slices are 400 bytes; in+out copies -> 800
	n, remaining := base.CalculateMaxSlices(dtype.Float32, [2]int{10, 10}, 8000, nil, nil)
	if n != 10 {
		t.Errorf("slices %d, want 10", n)
	}
	if remaining != 8000 {
		t.Errorf("remaining %d", remaining)
	}
}
