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

// Package section partitions an ordered method pipeline into maximal
// runs that share a slicing pattern and an execution platform, with
// no intervening persistence or global-reduction barrier. The runner
// executes one section at a time, streaming blocks between stores.
package section

import (
	"github.com/tomostream/tomostream/method"
	"github.com/tomostream/tomostream/pipeline"
	"github.com/tomostream/tomostream/shape"
)

// Section is a maximal run of methods executed over the same block
// stream.
type Section struct {
	GPU     bool
	Pattern shape.Pattern
	// Reslice is set when the section's pattern differs from its
	// predecessor's (or the loader's, for the first section), so the
	// runner must rotate the incoming store first.
	Reslice bool
	// SaveResult is set when the section ends because its last
	// method requested persistence.
	SaveResult bool
	// MaxSlices is filled in by the runner once block geometry is
	// known.
	MaxSlices int
	Methods   []method.Wrapper
}

// Sectionize walks the pipeline's methods in order and emits
// sections. A new section starts whenever a method's pattern is
// incompatible with the running one, the platform flips, the previous
// method persisted its result (or save-all is on), or the method
// needs a global reduction over all blocks.
//
// Patterns are then resolved: a backward sweep replaces any-pattern
// sections by their successor's pattern, the loader adopts the first
// section's pattern (flagging a loader reslice when its declared
// pattern differs), an all-any pipeline defaults to projection, and
// every method is stamped with its section's final pattern.
func Sectionize(pipe *pipeline.Pipeline, saveAll bool) []*Section {
	var sections []*Section

	currentGPU := false
	currentPattern := pipe.LoaderPattern
	var currentMethods []method.Wrapper
	savePreviousResult := false

	finish := func(saveAfter bool) {
		if len(currentMethods) > 0 {
			sections = append(sections, &Section{
				GPU:        currentGPU,
				Pattern:    currentPattern,
				SaveResult: saveAfter,
				Methods:    currentMethods,
			})
		}
	}

	for _, m := range pipe.Methods {
		patternChanged := !shape.Compatible(currentPattern, m.Pattern())
		platformChanged := m.IsGPU() != currentGPU
		globalInput := m.GlobStats()
		startNew := globalInput || savePreviousResult || patternChanged || platformChanged

		if startNew {
			finish(savePreviousResult)
			currentGPU = m.IsGPU()
			if m.Pattern() != shape.PatternAll {
				currentPattern = m.Pattern()
			}
			currentMethods = []method.Wrapper{m}
		} else {
			currentMethods = append(currentMethods, m)
			if currentPattern == shape.PatternAll {
				currentPattern = m.Pattern()
			}
		}
		savePreviousResult = m.SaveResult() || saveAll
	}
	finish(savePreviousResult)

	backpropagatePatterns(pipe, sections)
	finalizePatterns(pipe, sections)
	setMethodPatterns(sections)
	setResliceFlags(pipe, sections)
	return sections
}

// backpropagatePatterns sweeps backwards so that any-pattern sections
// inherit the pattern of the section that follows; the loader ends up
// with the first section's pattern or a reslice flag.
func backpropagatePatterns(pipe *pipeline.Pipeline, sections []*Section) {
	last := shape.PatternAll
	for i := len(sections) - 1; i >= 0; i-- {
		if sections[i].Pattern == shape.PatternAll {
			sections[i].Pattern = last
		}
		last = sections[i].Pattern
	}
	if pipe.LoaderPattern == shape.PatternAll {
		pipe.LoaderPattern = last
	} else if last != shape.PatternAll && pipe.LoaderPattern != last {
		pipe.LoaderReslice = true
	}
}

// finalizePatterns handles the remaining ambiguity: a pipeline where
// everything supports every pattern defaults to projection.
func finalizePatterns(pipe *pipeline.Pipeline, sections []*Section) {
	if len(sections) > 0 && sections[0].Pattern == shape.PatternAll {
		for _, s := range sections {
			s.Pattern = shape.PatternProjection
		}
		pipe.LoaderPattern = shape.PatternProjection
	}
	if pipe.LoaderPattern == shape.PatternAll {
		pipe.LoaderPattern = shape.PatternProjection
	}
}

func setMethodPatterns(sections []*Section) {
	for _, s := range sections {
		for _, m := range s.Methods {
			m.SetPattern(s.Pattern)
		}
	}
}

// setResliceFlags marks every section whose pattern differs from its
// predecessor's. The first section compares against the loader's
// resolved pattern; when the loader itself must be resliced, the
// LoaderReslice flag already records it.
func setResliceFlags(pipe *pipeline.Pipeline, sections []*Section) {
	prev := pipe.LoaderPattern
	for _, s := range sections {
		s.Reslice = s.Pattern != prev
		prev = s.Pattern
	}
}
