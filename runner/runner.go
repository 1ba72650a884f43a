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

// Package runner drives a resolved pipeline: it sectionizes the
// method list, then streams blocks from the current source through
// each section's methods into a fresh store, reslicing and persisting
// at section boundaries.
package runner

import (
	"fmt"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/tomostream/tomostream/block"
	"github.com/tomostream/tomostream/comm"
	"github.com/tomostream/tomostream/config"
	"github.com/tomostream/tomostream/dtype"
	"github.com/tomostream/tomostream/gpu"
	"github.com/tomostream/tomostream/intermediate"
	"github.com/tomostream/tomostream/loader"
	"github.com/tomostream/tomostream/method"
	"github.com/tomostream/tomostream/pipeline"
	"github.com/tomostream/tomostream/planner"
	"github.com/tomostream/tomostream/section"
	"github.com/tomostream/tomostream/shape"
	"github.com/tomostream/tomostream/store"
)

// Source produces the blocks a section consumes. Both loader.Loader
// and store.Reader satisfy it.
type Source interface {
	GlobalShape() shape.Shape
	ChunkShape() shape.Shape
	GlobalIndex() shape.Index
	SlicingDim() int
	DType() dtype.T
	Aux() *block.AuxData
	ReadBlock(start, length int) (*block.Block, error)
	Finalize() error
}

// Runner executes pipelines over one process's chunk.
type Runner struct {
	cfg    config.Config
	comm   comm.Comm
	logger log.Logger
	device *gpu.Device
}

// New builds a runner. The device may be nil; GPU sections then run
// on a host arena sized by the configuration.
func New(cfg config.Config, c comm.Comm, logger log.Logger, device *gpu.Device) *Runner {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if device == nil {
		device = gpu.New(cfg.GPUID, cfg.GPUMemoryBytes)
	}
	return &Runner{cfg: cfg, comm: c, logger: logger, device: device}
}

// Execute runs the whole pipeline. Any method or exchange failure
// aborts and propagates.
func (r *Runner) Execute(pipe *pipeline.Pipeline) error {
	sections := section.Sectionize(pipe, r.cfg.SaveAll)
	if len(sections) == 0 {
		return fmt.Errorf("runner: pipeline has no methods")
	}
	level.Info(r.logger).Log("msg", "pipeline sectionized", "sections", len(sections),
		"loader_pattern", pipe.LoaderPattern, "loader_reslice", pipe.LoaderReslice)

	ld, err := loader.New(pipe.LoaderConfig, 0, r.comm, r.logger)
	if err != nil {
		return err
	}
	var source Source = ld

	for i, s := range sections {
		dim := s.Pattern.SlicingDim()
		if source.SlicingDim() != dim {
			// the source cannot serve this pattern; rotate it
			// through a pass-through store
			source, err = r.rotate(source, dim)
			if err != nil {
				return err
			}
		}
		source, err = r.runSection(i, s, sections, source)
		if err != nil {
			return err
		}
	}
	if source != nil {
		return source.Finalize()
	}
	return nil
}

// rotate streams the source into a store in its own slicing dim and
// reslices the store to dim. This realizes the loader-reslice flag:
// ingestion happens along the angles axis, the chunk is transposed
// right after.
func (r *Runner) rotate(source Source, dim int) (Source, error) {
	level.Info(r.logger).Log("msg", "reslicing source", "from", source.SlicingDim(), "to", dim)
	w := store.NewWriter(store.WriterConfig{
		SlicingDim:  source.SlicingDim(),
		Comm:        r.comm,
		TempDir:     r.cfg.TempDir,
		MemoryLimit: r.cfg.MemoryLimitBytes,
		Logger:      r.logger,
	})
	chunkLen := source.ChunkShape()[source.SlicingDim()]
	length := r.cfg.MaxCPUSlices
	if length < 1 {
		length = planner.DefaultCPUSlices
	}
	for start := 0; start < chunkLen; start += length {
		n := length
		if start+n > chunkLen {
			n = chunkLen - start
		}
		b, err := source.ReadBlock(start, n)
		if err != nil {
			return nil, err
		}
		if err := w.WriteBlock(b); err != nil {
			return nil, err
		}
	}
	reader, err := w.MakeReader(dim, shape.Padding{})
	if err != nil {
		return nil, err
	}
	if err := source.Finalize(); err != nil {
		return nil, err
	}
	return reader, nil
}

// runSection pushes every block of the chunk through the section's
// methods and returns the source for the next section (nil after the
// last).
func (r *Runner) runSection(idx int, s *section.Section, sections []*section.Section, source Source) (Source, error) {
	dim := s.Pattern.SlicingDim()
	chunkLen := source.ChunkShape()[dim]
	s.MaxSlices = planner.MaxSlices(planner.Request{
		Methods:      s.Methods,
		GPU:          s.GPU,
		DType:        source.DType(),
		NonSlice:     source.ChunkShape().NonSlice(dim),
		Available:    r.device.Available(),
		MaxCPUSlices: r.cfg.MaxCPUSlices,
		Aux:          source.Aux(),
	})
	length := s.MaxSlices
	if length > chunkLen && chunkLen > 0 {
		length = chunkLen
	}
	level.Info(r.logger).Log("msg", "running section", "section", idx, "pattern", s.Pattern,
		"gpu", s.GPU, "methods", len(s.Methods), "max_slices", length, "chunk_len", chunkLen)

	sink := store.NewWriter(store.WriterConfig{
		SlicingDim:  dim,
		Comm:        r.comm,
		TempDir:     r.cfg.TempDir,
		MemoryLimit: r.cfg.MemoryLimitBytes,
		Logger:      r.logger,
	})
	var saver intermediate.Sink
	if s.SaveResult {
		last := s.Methods[len(s.Methods)-1]
		path := filepath.Join(r.cfg.RunOutDir, fmt.Sprintf("intermediate-%02d-%s.tsv", idx, last.MethodName()))
		saver = intermediate.NewFileSink(path, r.comm, r.cfg.CompressIntermediate, r.cfg.FramesPerChunk, r.logger)
	}

	for start := 0; start < chunkLen; start += length {
		n := length
		if start+n > chunkLen {
			n = chunkLen - start
		}
		b, err := source.ReadBlock(start, n)
		if err != nil {
			return nil, err
		}
		if b, err = r.runMethods(idx, s, sections, b); err != nil {
			return nil, err
		}
		if err := b.ToCPU(); err != nil {
			return nil, err
		}
		if err := sink.WriteBlock(b); err != nil {
			return nil, err
		}
		if saver != nil {
			if err := r.save(saver, b, dim); err != nil {
				return nil, err
			}
		}
	}
	if saver != nil {
		if err := saver.Close(); err != nil {
			return nil, err
		}
	}

	var next Source
	if idx < len(sections)-1 {
		newDim := store.KeepDim
		if d := sections[idx+1].Pattern.SlicingDim(); d != dim {
			newDim = d
		}
		reader, err := sink.MakeReader(newDim, shape.Padding{})
		if err != nil {
			return nil, err
		}
		next = reader
	} else if err := sink.Finalize(); err != nil {
		return nil, err
	}
	if err := source.Finalize(); err != nil {
		return nil, err
	}
	return next, nil
}

// runMethods applies the section's methods to one block, moving data
// between host and device as each method requires and merging side
// outputs into every method that follows in the pipeline.
func (r *Runner) runMethods(idx int, s *section.Section, sections []*section.Section, b *block.Block) (*block.Block, error) {
	for mi, m := range s.Methods {
		if m.IsGPU() {
			if err := b.ToGPU(r.device); err != nil {
				return nil, err
			}
		} else if err := b.ToCPU(); err != nil {
			return nil, err
		}
		out, err := m.Execute(b)
		if err != nil {
			return nil, fmt.Errorf("runner: method %s/%s: %w", m.ModulePath(), m.MethodName(), err)
		}
		b = out
		if side := m.GetSideOutput(); len(side) > 0 {
			r.mergeSideOutputs(side, s.Methods[mi+1:], sections[idx+1:])
		}
	}
	return b, nil
}

func (r *Runner) mergeSideOutputs(side map[string]any, rest []method.Wrapper, later []*section.Section) {
	for _, m := range rest {
		m.AppendParams(side)
	}
	for _, s := range later {
		for _, m := range s.Methods {
			m.AppendParams(side)
		}
	}
}

func (r *Runner) save(saver intermediate.Sink, b *block.Block, dim int) error {
	core, err := b.Core()
	if err != nil {
		return err
	}
	idx := b.GlobalIndex()
	idx[dim] += b.Padding().Before
	return saver.Save(intermediate.SaveRequest{
		Data:        core,
		GlobalShape: b.GlobalShape(),
		GlobalIndex: idx,
		SlicingDim:  dim,
		Angles:      b.Angles(),
		DetectorY:   b.GlobalShape()[1],
		DetectorX:   b.GlobalShape()[2],
	})
}
