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

// Package planner computes the largest block length a section can
// execute with the memory it has. The policy is conservative: every
// method in the section is asked in turn, the minimum wins, and the
// memory a method reports as remaining becomes the budget of the
// method after it.
package planner

import (
	"github.com/tomostream/tomostream/block"
	"github.com/tomostream/tomostream/cube"
	"github.com/tomostream/tomostream/dtype"
	"github.com/tomostream/tomostream/method"
)

// DefaultCPUSlices caps block lengths of CPU-only sections when the
// configuration does not say otherwise.
const DefaultCPUSlices = 64

// Request describes one section's planning input.
type Request struct {
	Methods  []method.Wrapper
	GPU      bool
	DType    dtype.T
	NonSlice [2]int
	// Available is the device memory budget for GPU sections.
	Available int64
	// MaxCPUSlices caps CPU sections; 0 means DefaultCPUSlices.
	MaxCPUSlices int
	Aux          *block.AuxData
}

// MaxSlices returns the block length for the section, at least 1.
func MaxSlices(req Request) int {
	if !req.GPU {
		if req.MaxCPUSlices > 0 {
			return req.MaxCPUSlices
		}
		return DefaultCPUSlices
	}
	var darks, flats *cube.Cube
	if req.Aux != nil {
		darks, flats = req.Aux.Darks(), req.Aux.Flats()
	}
	best := 0
	available := req.Available
	for _, m := range req.Methods {
		n, remaining := m.CalculateMaxSlices(req.DType, req.NonSlice, available, darks, flats)
		if n < 1 {
			n = 1
		}
		if best == 0 || n < best {
			best = n
		}
		available = remaining
	}
	if best == 0 {
		best = 1
	}
	return best
}
