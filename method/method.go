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

// Package method defines the wrapper interface the runner drives and
// a registry resolving pipeline entries to implementations. Method
// implementations live in the methods package; the core never looks
// inside them beyond this interface.
package method

import (
	"github.com/tomostream/tomostream/block"
	"github.com/tomostream/tomostream/cube"
	"github.com/tomostream/tomostream/dtype"
	"github.com/tomostream/tomostream/shape"
)

// Wrapper is the structural interface every pipeline method
// satisfies.
type Wrapper interface {
	// MethodName is the method's short name, e.g. "normalize".
	MethodName() string
	// ModulePath is the dotted path the pipeline file refers to the
	// method by.
	ModulePath() string
	// PackageName is the top-level package implementing the method.
	PackageName() string

	// Pattern is the data-access pattern the method requires. The
	// sectionizer stamps resolved patterns back via SetPattern.
	Pattern() shape.Pattern
	SetPattern(shape.Pattern)
	// IsGPU reports whether the method wants device execution.
	IsGPU() bool
	// SaveResult requests persistence of this method's output.
	SaveResult() bool
	// GlobStats reports whether the method needs a global reduction
	// over all blocks before it can run.
	GlobStats() bool
	// OutputDimsChange reports whether Execute changes the
	// non-slicing dims.
	OutputDimsChange() bool

	// Execute runs the method over one block, mutating it in place
	// or returning a replacement.
	Execute(b *block.Block) (*block.Block, error)
	// CalculateOutputDims maps the input non-slicing dims to the
	// output's.
	CalculateOutputDims(nonSlice [2]int) [2]int
	// CalculateMaxSlices returns how many slices of the given
	// geometry fit in the available device memory, and how much
	// memory remains available to the methods that follow.
	CalculateMaxSlices(dt dtype.T, nonSlice [2]int, available int64, darks, flats *cube.Cube) (int, int64)
	// GetSideOutput returns named values to merge into the
	// parameters of downstream methods.
	GetSideOutput() map[string]any

	// Param reads a configuration parameter.
	Param(name string) (any, bool)
	// SetParam sets a configuration parameter.
	SetParam(name string, value any)
	// AppendParams merges the given values into the parameters.
	AppendParams(params map[string]any)
}

// Base carries the bookkeeping shared by method implementations.
// Concrete methods embed it and provide Execute.
type Base struct {
	Name    string
	Module  string
	Package string
	GPU     bool
	Glob    bool
	DimsChange bool

	pattern shape.Pattern
	save    bool
	params  map[string]any
}

// NewBase builds the common wrapper state. params may be nil.
func NewBase(module, name, pkg string, pattern shape.Pattern, params map[string]any) Base {
	if params == nil {
		params = make(map[string]any)
	}
	save, _ := params["save_result"].(bool)
	delete(params, "save_result")
	return Base{Name: name, Module: module, Package: pkg, pattern: pattern, save: save, params: params}
}

func (b *Base) MethodName() string         { return b.Name }
func (b *Base) ModulePath() string         { return b.Module }
func (b *Base) PackageName() string        { return b.Package }
func (b *Base) Pattern() shape.Pattern     { return b.pattern }
func (b *Base) SetPattern(p shape.Pattern) { b.pattern = p }
func (b *Base) IsGPU() bool                { return b.GPU }
func (b *Base) SaveResult() bool           { return b.save }
func (b *Base) GlobStats() bool            { return b.Glob }
func (b *Base) OutputDimsChange() bool     { return b.DimsChange }

func (b *Base) CalculateOutputDims(nonSlice [2]int) [2]int { return nonSlice }

// CalculateMaxSlices assumes the method holds an input and an output
// copy of each slice and nothing else stays live. Methods with other
// footprints override this.
func (b *Base) CalculateMaxSlices(dt dtype.T, nonSlice [2]int, available int64, darks, flats *cube.Cube) (int, int64) {
	sliceBytes := int64(nonSlice[0]) * int64(nonSlice[1]) * int64(dt.Size())
	if sliceBytes == 0 {
		return 1, available
	}
	n := available / (2 * sliceBytes)
	if n < 1 {
		n = 1
	}
	return int(n), available
}

func (b *Base) GetSideOutput() map[string]any { return nil }

func (b *Base) Param(name string) (any, bool) {
	v, ok := b.params[name]
	return v, ok
}

func (b *Base) SetParam(name string, value any) {
	b.params[name] = value
}

func (b *Base) AppendParams(params map[string]any) {
	for k, v := range params {
		b.params[k] = v
	}
}
