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

// Package loader produces blocks straight from a raw scan file. It
// resolves the preview crop against the file, keeps only projection
// rows when an image key is present, assigns each process its chunk
// of the angles axis, and reads blocks (with halo padding) on demand
// without ever materializing the whole chunk.
package loader

import (
	"errors"
	"fmt"
	"math"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/tomostream/tomostream/block"
	"github.com/tomostream/tomostream/comm"
	"github.com/tomostream/tomostream/cube"
	"github.com/tomostream/tomostream/dtype"
	"github.com/tomostream/tomostream/shape"
	"github.com/tomostream/tomostream/volfmt"
)

// Image key values in the raw file.
const (
	keyProjection = 0
	keyFlat       = 1
	keyDark       = 2
)

// ErrUnsupportedSlicingDim is returned when a loader is asked to
// ingest along anything but the angles axis. Sinogram-patterned first
// sections are realized by a reslice after ingestion.
var ErrUnsupportedSlicingDim = errors.New("loader: only slicing dim 0 is supported at ingestion")

// PreviewOutOfBoundsError reports a preview rectangle that violates
// the raw dataset extent.
type PreviewOutOfBoundsError struct {
	Dim    string
	Start  int
	Stop   int
	Length int
}

func (e *PreviewOutOfBoundsError) Error() string {
	return fmt.Sprintf("loader: preview in %s dim out of bounds: start=%d, stop=%d, data has %d",
		e.Dim, e.Start, e.Stop, e.Length)
}

// DimRange is a half-open [Start, Stop) crop of one axis.
type DimRange struct {
	Start int
	Stop  int
}

func (r DimRange) len() int { return r.Stop - r.Start }

// Preview crops the raw dataset on load.
type Preview struct {
	Angles    DimRange
	DetectorY DimRange
	DetectorX DimRange
}

// FullPreview returns the preview covering the whole dataset of the
// given raw shape.
func FullPreview(raw shape.Shape) Preview {
	return Preview{
		Angles:    DimRange{0, raw[0]},
		DetectorY: DimRange{0, raw[1]},
		DetectorX: DimRange{0, raw[2]},
	}
}

// DarksFlatsConfig locates reference fields, either in the scan file
// (with an image key) or in separate files.
type DarksFlatsConfig struct {
	File         string
	DataPath     string
	ImageKeyPath string
}

// AnglesConfig is one of RawAngles or UserDefinedAngles.
type AnglesConfig interface {
	isAnglesConfig()
}

// RawAngles reads projection angles (in degrees) from a dataset in
// the scan file.
type RawAngles struct {
	DataPath string
}

func (RawAngles) isAnglesConfig() {}

// UserDefinedAngles synthesizes evenly spaced angles over
// [StartDeg, StopDeg] instead of reading them from the file.
type UserDefinedAngles struct {
	StartDeg float64
	StopDeg  float64
	Total    int
}

func (UserDefinedAngles) isAnglesConfig() {}

// Config describes a scan to load.
type Config struct {
	InFile       string
	DataPath     string
	ImageKeyPath string // empty when the scan has no image key
	Darks        DarksFlatsConfig
	Flats        DarksFlatsConfig
	Angles       AnglesConfig
	Preview      Preview
	// Padding widens every block served by ReadBlock with halo
	// slices read directly from the file.
	Padding shape.Padding
}

// Loader is a block source over a raw scan file.
type Loader struct {
	cfg    Config
	comm   comm.Comm
	logger log.Logger

	file *volfmt.File
	data *volfmt.Dataset

	// retained raw-file rows that are projections inside the
	// (possibly narrowed) angles preview
	indices []int
	preview Preview

	globalShape shape.Shape
	chunkShape  shape.Shape
	chunkIndex  shape.Index
	dt          dtype.T
	aux         *block.AuxData
}

// New opens the scan and resolves the preview and chunk split.
// slicingDim must be 0.
func New(cfg Config, slicingDim int, c comm.Comm, logger log.Logger) (*Loader, error) {
	if slicingDim != 0 {
		return nil, fmt.Errorf("%w (got %d)", ErrUnsupportedSlicingDim, slicingDim)
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	f, err := volfmt.Open(cfg.InFile)
	if err != nil {
		return nil, err
	}
	l := &Loader{cfg: cfg, comm: c, logger: logger, file: f, preview: cfg.Preview}
	if err := l.init(); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

func (l *Loader) init() error {
	ds, err := l.file.Dataset(l.cfg.DataPath)
	if err != nil {
		return err
	}
	if len(ds.Dims()) != 3 {
		return fmt.Errorf("loader: dataset %q has %d dims, want 3", l.cfg.DataPath, len(ds.Dims()))
	}
	l.data = ds
	l.dt = ds.DType()
	raw := shape.Shape{ds.Dims()[0], ds.Dims()[1], ds.Dims()[2]}
	// a zero Stop means "to the end of the axis"
	for i, r := range []*DimRange{&l.preview.Angles, &l.preview.DetectorY, &l.preview.DetectorX} {
		if r.Stop == 0 {
			r.Stop = raw[i]
		}
	}
	if err := checkPreview(l.preview, raw); err != nil {
		return err
	}
	if err := l.resolveIndices(raw); err != nil {
		return err
	}

	l.globalShape = shape.Shape{len(l.indices), l.preview.DetectorY.len(), l.preview.DetectorX.len()}
	start, length := shape.Split(len(l.indices), l.comm.Size(), l.comm.Rank())
	l.chunkShape = l.globalShape.WithDim(0, length)
	l.chunkIndex = shape.Index{start, 0, 0}

	angles, err := l.loadAngles()
	if err != nil {
		return err
	}
	darks, flats, err := l.loadDarksFlats()
	if err != nil {
		return err
	}
	l.aux = block.NewAux(angles, darks, flats)
	level.Debug(l.logger).Log("msg", "loader ready",
		"global_shape", l.globalShape, "chunk_shape", l.chunkShape,
		"chunk_start", start, "dtype", l.dt)
	return nil
}

func checkPreview(p Preview, raw shape.Shape) error {
	dims := []struct {
		name  string
		r     DimRange
		limit int
	}{
		{"angles", p.Angles, raw[0]},
		{"detector_y", p.DetectorY, raw[1]},
		{"detector_x", p.DetectorX, raw[2]},
	}
	for _, d := range dims {
		if d.r.Start < 0 || d.r.Stop > d.limit || d.r.Start >= d.r.Stop {
			return &PreviewOutOfBoundsError{Dim: d.name, Start: d.r.Start, Stop: d.r.Stop, Length: d.limit}
		}
	}
	return nil
}

// resolveIndices computes the retained angle rows: the intersection
// of the angles preview with the projection rows of the image key.
// When the intersection is a strict subset of the preview, the
// preview is narrowed to the intersection's extent.
func (l *Loader) resolveIndices(raw shape.Shape) error {
	if l.cfg.ImageKeyPath == "" {
		for i := l.preview.Angles.Start; i < l.preview.Angles.Stop; i++ {
			l.indices = append(l.indices, i)
		}
		return nil
	}
	key, err := l.readImageKey(l.file, l.cfg.ImageKeyPath)
	if err != nil {
		return err
	}
	if len(key) != raw[0] {
		return fmt.Errorf("loader: image key has %d entries, data has %d rows", len(key), raw[0])
	}
	for i := l.preview.Angles.Start; i < l.preview.Angles.Stop; i++ {
		if key[i] == keyProjection {
			l.indices = append(l.indices, i)
		}
	}
	if len(l.indices) == 0 {
		return fmt.Errorf("loader: no projection rows inside angles preview [%d, %d)",
			l.preview.Angles.Start, l.preview.Angles.Stop)
	}
	if len(l.indices) != l.preview.Angles.len() {
		narrowed := DimRange{l.indices[0], l.indices[len(l.indices)-1] + 1}
		level.Debug(l.logger).Log("msg", "narrowing angles preview to projection rows",
			"start", narrowed.Start, "stop", narrowed.Stop)
		l.preview.Angles = narrowed
	}
	return nil
}

func (l *Loader) readImageKey(f *volfmt.File, path string) ([]int32, error) {
	ds, err := f.Dataset(path)
	if err != nil {
		return nil, err
	}
	if ds.DType() != dtype.Int32 || len(ds.Dims()) != 1 {
		return nil, fmt.Errorf("loader: image key %q must be 1-D int32, got %d-D %s",
			path, len(ds.Dims()), ds.DType())
	}
	raw, err := ds.Raw()
	if err != nil {
		return nil, err
	}
	c, err := cube.Wrap(dtype.Int32, shape.Shape{ds.Dims()[0], 1, 1}, raw)
	if err != nil {
		return nil, err
	}
	return c.Int32s(), nil
}

func (l *Loader) loadAngles() ([]float32, error) {
	switch a := l.cfg.Angles.(type) {
	case UserDefinedAngles:
		if a.Total < 1 {
			return nil, fmt.Errorf("loader: user-defined angles with total %d", a.Total)
		}
		out := make([]float32, a.Total)
		step := 0.0
		if a.Total > 1 {
			step = (a.StopDeg - a.StartDeg) / float64(a.Total-1)
		}
		for i := range out {
			out[i] = float32((a.StartDeg + float64(i)*step) * math.Pi / 180)
		}
		return subsetAngles(out, l.indices), nil
	case RawAngles:
		ds, err := l.file.Dataset(a.DataPath)
		if err != nil {
			return nil, err
		}
		all, err := readAngles(ds)
		if err != nil {
			return nil, err
		}
		return subsetAngles(all, l.indices), nil
	default:
		return nil, fmt.Errorf("loader: no angles configuration")
	}
}

func readAngles(ds *volfmt.Dataset) ([]float32, error) {
	if len(ds.Dims()) != 1 {
		return nil, fmt.Errorf("loader: angles dataset must be 1-D, got %d dims", len(ds.Dims()))
	}
	raw, err := ds.Raw()
	if err != nil {
		return nil, err
	}
	c, err := cube.Wrap(ds.DType(), shape.Shape{ds.Dims()[0], 1, 1}, raw)
	if err != nil {
		return nil, err
	}
	f := c.ConvertTo(dtype.Float32).Float32s()
	out := make([]float32, len(f))
	for i, deg := range f {
		out[i] = float32(float64(deg) * math.Pi / 180)
	}
	return out, nil
}

func subsetAngles(all []float32, indices []int) []float32 {
	out := make([]float32, 0, len(indices))
	for _, i := range indices {
		if i < len(all) {
			out = append(out, all[i])
		}
	}
	return out
}

// loadDarksFlats reads the reference fields. A config with an image
// key path has its rows selected by image key, whether it names the
// scan file or a separate one; a config without one contributes its
// whole (cropped) dataset.
func (l *Loader) loadDarksFlats() (darks, flats *cube.Cube, err error) {
	if l.cfg.Darks.File == "" && l.cfg.Flats.File == "" {
		return nil, nil, nil
	}
	darks, err = l.loadReference(l.cfg.Darks, keyDark)
	if err != nil {
		return nil, nil, err
	}
	flats, err = l.loadReference(l.cfg.Flats, keyFlat)
	if err != nil {
		return nil, nil, err
	}
	return darks, flats, nil
}

func (l *Loader) loadReference(cfg DarksFlatsConfig, key int32) (*cube.Cube, error) {
	f := l.file
	if cfg.File != l.cfg.InFile {
		var err error
		f, err = volfmt.Open(cfg.File)
		if err != nil {
			return nil, err
		}
		defer f.Close()
	}
	ds, err := f.Dataset(cfg.DataPath)
	if err != nil {
		return nil, err
	}
	var rows []int
	if cfg.ImageKeyPath != "" {
		ik, err := l.readImageKey(f, cfg.ImageKeyPath)
		if err != nil {
			return nil, err
		}
		for i, v := range ik {
			if v == key {
				rows = append(rows, i)
			}
		}
	} else {
		for i := 0; i < ds.Dims()[0]; i++ {
			rows = append(rows, i)
		}
	}
	if len(rows) == 0 {
		return nil, nil
	}
	out := cube.New(ds.DType(), shape.Shape{len(rows), l.preview.DetectorY.len(), l.preview.DetectorX.len()})
	for i, row := range rows {
		if err := l.copyRow(ds, row, out, i); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// copyRow reads one raw row and writes its detector crop into slice
// i of dst.
func (l *Loader) copyRow(ds *volfmt.Dataset, row int, dst *cube.Cube, i int) error {
	raw, err := ds.ReadRows(row, 1)
	if err != nil {
		return err
	}
	full, err := cube.Wrap(ds.DType(), shape.Shape{1, ds.Dims()[1], ds.Dims()[2]}, raw)
	if err != nil {
		return err
	}
	crop, err := full.ReadBox(
		shape.Index{0, l.preview.DetectorY.Start, l.preview.DetectorX.Start},
		shape.Shape{1, l.preview.DetectorY.len(), l.preview.DetectorX.len()})
	if err != nil {
		return err
	}
	return dst.WriteSlab(0, i, crop)
}

func (l *Loader) GlobalShape() shape.Shape { return l.globalShape }
func (l *Loader) ChunkShape() shape.Shape  { return l.chunkShape }
func (l *Loader) GlobalIndex() shape.Index { return l.chunkIndex }
func (l *Loader) SlicingDim() int          { return 0 }
func (l *Loader) DType() dtype.T           { return l.dt }
func (l *Loader) Aux() *block.AuxData      { return l.aux }
func (l *Loader) Padding() shape.Padding   { return l.cfg.Padding }

// DetectorX returns the previewed detector x extent.
func (l *Loader) DetectorX() int { return l.globalShape[2] }

// DetectorY returns the previewed detector y extent.
func (l *Loader) DetectorY() int { return l.globalShape[1] }

// AnglesTotal returns the number of retained projection angles.
func (l *Loader) AnglesTotal() int { return l.globalShape[0] }

// ReadBlock serves length slices starting at start in chunk
// coordinates, widened by the configured halo padding. Halo rows
// beyond the global volume repeat the nearest valid row.
func (l *Loader) ReadBlock(start, length int) (*block.Block, error) {
	pad := l.cfg.Padding
	chunkLen := l.chunkShape[0]
	if start < -pad.Before || length < 0 || start+length > chunkLen+pad.After {
		return nil, fmt.Errorf("loader: block range [%d, %d) outside chunk of %d slices (padding (%d, %d))",
			start, start+length, chunkLen, pad.Before, pad.After)
	}
	total := length + pad.Sum()
	data := cube.New(l.dt, l.chunkShape.WithDim(0, total))
	for i := 0; i < total; i++ {
		globalPos := l.chunkIndex[0] + start - pad.Before + i
		if globalPos < 0 {
			globalPos = 0
		}
		if globalPos > l.globalShape[0]-1 {
			globalPos = l.globalShape[0] - 1
		}
		if err := l.copyRow(l.data, l.indices[globalPos], data, i); err != nil {
			return nil, err
		}
	}
	return block.New(data, l.aux, 0, l.globalShape, l.chunkShape, l.chunkIndex, start, pad)
}

// Finalize closes the scan file.
func (l *Loader) Finalize() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
