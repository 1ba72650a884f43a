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

// Package intermediate persists section outputs. Uncompressed files
// are preallocated once and filled in place by every rank;
// compression requires coordinated writes, so compressed data is
// gathered on rank 0 and written there at Close.
package intermediate

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/tomostream/tomostream/comm"
	"github.com/tomostream/tomostream/cube"
	"github.com/tomostream/tomostream/dtype"
	"github.com/tomostream/tomostream/shape"
	"github.com/tomostream/tomostream/volfmt"
)

// DetectorDimsPath names the auxiliary dataset holding the detector
// extents [detector_y, detector_x].
const DetectorDimsPath = "detector_x_y"

// SaveRequest carries one block's worth of output. Blocks of one rank
// arrive in increasing slicing-dim order.
type SaveRequest struct {
	Data        *cube.Cube
	GlobalShape shape.Shape
	GlobalIndex shape.Index
	SlicingDim  int
	Angles      []float32
	DetectorY   int
	DetectorX   int
}

// Sink receives section outputs block by block.
type Sink interface {
	Save(req SaveRequest) error
	Close() error
}

// FileSink writes one container file per saved section. The sink is
// collective: every rank of the group must construct it with the same
// path and call Close, even ranks that save nothing.
type FileSink struct {
	path           string
	comm           comm.Comm
	compress       bool
	framesPerChunk int
	logger         log.Logger

	started  bool
	sliceDim int
	global   shape.Shape
	angles   []float32
	detY     int
	detX     int

	// in-place handle for the uncompressed path
	rw *volfmt.RWFile
	// staged chunk for the gathered compressed path
	chunk      *cube.Cube
	chunkStart int
}

// NewFileSink builds a sink writing to path.
func NewFileSink(path string, c comm.Comm, compress bool, framesPerChunk int, logger log.Logger) *FileSink {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &FileSink{path: path, comm: c, compress: compress, framesPerChunk: framesPerChunk, logger: logger}
}

// chunkWidth applies the persisted-chunk rule: frames_per_chunk in
// the slicing dim, falling back to 1 when it exceeds the extent.
func chunkWidth(framesPerChunk, sliceExtent int) int {
	if framesPerChunk < 1 || framesPerChunk > sliceExtent {
		return 1
	}
	return framesPerChunk
}

func float32Bytes(f []float32) []byte {
	if len(f) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&f[0])), len(f)*4)
}

func (s *FileSink) start(req SaveRequest) error {
	s.started = true
	s.sliceDim = req.SlicingDim
	s.global = req.GlobalShape
	s.angles = req.Angles
	s.detY, s.detX = req.DetectorY, req.DetectorX
	fpc := chunkWidth(s.framesPerChunk, req.GlobalShape[req.SlicingDim])
	if fpc != s.framesPerChunk {
		level.Debug(s.logger).Log("msg", "frames_per_chunk exceeds slicing extent, falling back to 1",
			"frames_per_chunk", s.framesPerChunk, "extent", req.GlobalShape[req.SlicingDim])
	}
	s.framesPerChunk = fpc
	if s.compress {
		// writes must be coordinated when compressing; the data is
		// gathered on rank 0 at Close instead of written in place
		return nil
	}
	if s.comm.Rank() == 0 {
		err := volfmt.CreateSized(s.path, []volfmt.Spec{
			{Name: volfmt.DataPath, Dtype: req.Data.Type, Dims: req.GlobalShape[:], FramesPerChunk: fpc},
			{Name: volfmt.AnglesPath, Dtype: dtype.Float32, Dims: []int{len(req.Angles)}},
			{Name: DetectorDimsPath, Dtype: dtype.Int32, Dims: []int{2}},
		})
		if err != nil {
			return err
		}
	}
	// nobody opens the file before rank 0 laid it out
	if err := s.comm.Barrier(); err != nil {
		return err
	}
	rw, err := volfmt.OpenRW(s.path)
	if err != nil {
		return err
	}
	s.rw = rw
	if s.comm.Rank() == 0 {
		if err := rw.WriteAll(volfmt.AnglesPath, float32Bytes(req.Angles)); err != nil {
			return err
		}
		dims := []byte{0, 0, 0, 0, 0, 0, 0, 0}
		binary.LittleEndian.PutUint32(dims[0:], uint32(req.DetectorY))
		binary.LittleEndian.PutUint32(dims[4:], uint32(req.DetectorX))
		if err := rw.WriteAll(DetectorDimsPath, dims); err != nil {
			return err
		}
	}
	return nil
}

// Save persists one block's data at its global position.
func (s *FileSink) Save(req SaveRequest) error {
	if !s.started {
		if err := s.start(req); err != nil {
			return fmt.Errorf("intermediate: %s: %w", s.path, err)
		}
	}
	if s.compress {
		return s.stage(req)
	}
	if err := s.rw.WriteBox(volfmt.DataPath, req.GlobalIndex, req.Data); err != nil {
		return fmt.Errorf("intermediate: %s: %w", s.path, err)
	}
	return nil
}

// stage appends the block to the rank's staged chunk.
func (s *FileSink) stage(req SaveRequest) error {
	if s.chunk == nil {
		s.chunk = req.Data.Clone()
		s.chunkStart = req.GlobalIndex[s.sliceDim]
		return nil
	}
	old := s.chunk.Dims[s.sliceDim]
	merged := cube.New(s.chunk.Type, s.chunk.Dims.WithDim(s.sliceDim, old+req.Data.Dims[s.sliceDim]))
	if err := merged.WriteSlab(s.sliceDim, 0, s.chunk); err != nil {
		return err
	}
	if err := merged.WriteSlab(s.sliceDim, old, req.Data); err != nil {
		return err
	}
	s.chunk = merged
	return nil
}

// Close finishes the file. For compressed sinks this is where the
// gather and the actual write happen.
func (s *FileSink) Close() error {
	if s.compress {
		// the gather is collective; ranks that staged nothing still
		// participate
		return s.closeCompressed()
	}
	if !s.started {
		return nil
	}
	// the directory was written at creation; ranks only need to
	// finish their in-place writes before anyone reads the file
	if err := s.comm.Barrier(); err != nil {
		return err
	}
	return s.rw.Close()
}

func (s *FileSink) closeCompressed() error {
	var payload []byte
	if s.chunk != nil {
		payload = make([]byte, 16+len(s.chunk.Buf))
		binary.LittleEndian.PutUint64(payload[0:], uint64(s.chunkStart))
		binary.LittleEndian.PutUint64(payload[8:], uint64(s.chunk.Dims[s.sliceDim]))
		copy(payload[16:], s.chunk.Buf)
	}
	gathered, err := comm.Gather(s.comm, payload)
	if err != nil {
		return fmt.Errorf("intermediate: %s: %w", s.path, err)
	}
	if s.comm.Rank() != 0 {
		return nil
	}
	if s.chunk == nil {
		return fmt.Errorf("intermediate: %s: rank 0 staged no data", s.path)
	}
	full := cube.New(s.chunk.Type, s.global)
	for rank, blob := range gathered {
		if len(blob) == 0 {
			continue
		}
		if len(blob) < 16 {
			return fmt.Errorf("intermediate: %s: short staged chunk from rank %d", s.path, rank)
		}
		start := int(binary.LittleEndian.Uint64(blob[0:]))
		extent := int(binary.LittleEndian.Uint64(blob[8:]))
		slab, err := cube.Wrap(s.chunk.Type, s.global.WithDim(s.sliceDim, extent), blob[16:])
		if err != nil {
			return fmt.Errorf("intermediate: %s: rank %d: %w", s.path, rank, err)
		}
		if err := full.WriteSlab(s.sliceDim, start, slab); err != nil {
			return err
		}
	}
	w, err := volfmt.Create(s.path)
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.WriteDatasetCompressed(volfmt.DataPath, full.Type, s.global[:], full.Buf, s.framesPerChunk); err != nil {
		return err
	}
	if err := w.WriteDataset(volfmt.AnglesPath, dtype.Float32, []int{len(s.angles)}, float32Bytes(s.angles)); err != nil {
		return err
	}
	dims := cube.New(dtype.Int32, shape.Shape{2, 1, 1})
	dims.Int32s()[0], dims.Int32s()[1] = int32(s.detY), int32(s.detX)
	if err := w.WriteDataset(DetectorDimsPath, dtype.Int32, []int{2}, dims.Buf); err != nil {
		return err
	}
	level.Info(s.logger).Log("msg", "saved compressed intermediate", "path", s.path,
		"shape", s.global.String(), "frames_per_chunk", s.framesPerChunk)
	return w.Close()
}
