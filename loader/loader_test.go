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

package loader

import (
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/tomostream/tomostream/comm"
	"github.com/tomostream/tomostream/cube"
	"github.com/tomostream/tomostream/dtype"
	"github.com/tomostream/tomostream/shape"
	"github.com/tomostream/tomostream/volfmt"
)

// writeScan builds a small raw scan: 2 flats, 2 darks, then 8
// projections of 6x5 uint16 detector data, with matching image key
// and angles.
func writeScan(t *testing.T) (path string, proj *cube.Cube) {
	t.Helper()
	path = filepath.Join(t.TempDir(), "scan.tsv")

	const rows, detY, detX = 12, 6, 5
	data := cube.New(dtype.Uint16, shape.Shape{rows, detY, detX})
	u := data.Uint16s()
	for i := range u {
		u[i] = uint16(i)
	}
	key := make([]int32, rows)
	// flats, darks, then projections
	key[0], key[1] = 1, 1
	key[2], key[3] = 2, 2
	angles := make([]float32, rows)
	for i := range angles {
		angles[i] = float32(i * 10) // degrees
	}

	w, err := volfmt.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.WriteDataset(volfmt.DataPath, dtype.Uint16, []int{rows, detY, detX}, data.Buf); err != nil {
		t.Fatal(err)
	}
	keyCube := cube.New(dtype.Int32, shape.Shape{rows, 1, 1})
	copy(keyCube.Int32s(), key)
	if err := w.WriteDataset(volfmt.ImageKeyPath, dtype.Int32, []int{rows}, keyCube.Buf); err != nil {
		t.Fatal(err)
	}
	anglesCube := cube.New(dtype.Float32, shape.Shape{rows, 1, 1})
	copy(anglesCube.Float32s(), angles)
	if err := w.WriteDataset(volfmt.AnglesPath, dtype.Float32, []int{rows}, anglesCube.Buf); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	proj, err = data.Slab(0, 4, 8)
	if err != nil {
		t.Fatal(err)
	}
	return path, proj
}

func scanConfig(path string) Config {
	return Config{
		InFile:       path,
		DataPath:     volfmt.DataPath,
		ImageKeyPath: volfmt.ImageKeyPath,
		Darks:        DarksFlatsConfig{File: path, DataPath: volfmt.DataPath, ImageKeyPath: volfmt.ImageKeyPath},
		Flats:        DarksFlatsConfig{File: path, DataPath: volfmt.DataPath, ImageKeyPath: volfmt.ImageKeyPath},
		Angles:       RawAngles{DataPath: volfmt.AnglesPath},
		Preview:      FullPreview(shape.Shape{12, 6, 5}),
	}
}

func TestLoaderGeometryAndKeys(t *testing.T) {
	path, proj := writeScan(t)
	l, err := New(scanConfig(path), 0, comm.Self(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Finalize()

	// 8 projections survive the image key
	if l.GlobalShape() != (shape.Shape{8, 6, 5}) {
		t.Errorf("global shape %s", l.GlobalShape())
	}
	if l.ChunkShape() != l.GlobalShape() || l.GlobalIndex() != (shape.Index{}) {
		t.Errorf("chunk %s at %s", l.ChunkShape(), l.GlobalIndex())
	}
	if l.DType() != dtype.Uint16 {
		t.Errorf("dtype %s", l.DType())
	}
	if l.AnglesTotal() != 8 || l.DetectorY() != 6 || l.DetectorX() != 5 {
		t.Errorf("dims %d %d %d", l.AnglesTotal(), l.DetectorY(), l.DetectorX())
	}

	aux := l.Aux()
	if aux.NAngles() != 8 {
		t.Fatalf("aux angles %d", aux.NAngles())
	}
	// first projection is raw row 4, at 40 degrees
	want := float32(40 * math.Pi / 180)
	if got := aux.Angles()[0]; math.Abs(float64(got-want)) > 1e-6 {
		t.Errorf("angle 0: got %v, want %v", got, want)
	}
	if aux.Flats() == nil || aux.Flats().Dims[0] != 2 {
		t.Error("flats not selected by image key")
	}
	if aux.Darks() == nil || aux.Darks().Dims[0] != 2 {
		t.Error("darks not selected by image key")
	}

	b, err := l.ReadBlock(0, 3)
	if err != nil {
		t.Fatal(err)
	}
	wantData, _ := proj.Slab(0, 0, 3)
	if !b.Data().Equal(wantData) {
		t.Error("block data differs from projections")
	}
	if b.GlobalIndex() != (shape.Index{}) || b.CoreLength() != 3 {
		t.Errorf("block at %s len %d", b.GlobalIndex(), b.CoreLength())
	}
}

func TestLoaderNarrowsAnglesPreview(t *testing.T) {
	path, proj := writeScan(t)
	cfg := scanConfig(path)
	// preview includes the flats/darks rows; only rows 4..9 are
	// projections inside it
	cfg.Preview.Angles = DimRange{0, 10}
	l, err := New(cfg, 0, comm.Self(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Finalize()
	if l.GlobalShape()[0] != 6 {
		t.Errorf("global angles %d, want 6", l.GlobalShape()[0])
	}
	b, err := l.ReadBlock(0, 6)
	if err != nil {
		t.Fatal(err)
	}
	want, _ := proj.Slab(0, 0, 6)
	if !b.Data().Equal(want) {
		t.Error("narrowed block differs")
	}
}

func TestLoaderPreviewCrop(t *testing.T) {
	path, proj := writeScan(t)
	cfg := scanConfig(path)
	cfg.Preview.DetectorY = DimRange{1, 4}
	cfg.Preview.DetectorX = DimRange{2, 5}
	l, err := New(cfg, 0, comm.Self(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Finalize()
	if l.GlobalShape() != (shape.Shape{8, 3, 3}) {
		t.Fatalf("global shape %s", l.GlobalShape())
	}
	b, err := l.ReadBlock(2, 2)
	if err != nil {
		t.Fatal(err)
	}
	want, err := proj.ReadBox(shape.Index{2, 1, 2}, shape.Shape{2, 3, 3})
	if err != nil {
		t.Fatal(err)
	}
	if !b.Data().Equal(want) {
		t.Error("cropped block differs")
	}
}

func TestLoaderPreviewOutOfBounds(t *testing.T) {
	path, _ := writeScan(t)
	cfg := scanConfig(path)
	cfg.Preview.DetectorY = DimRange{0, 7}
	var pe *PreviewOutOfBoundsError
	if _, err := New(cfg, 0, comm.Self(), nil); !errors.As(err, &pe) {
		t.Fatalf("got %v", err)
	}
	if pe.Dim != "detector_y" {
		t.Errorf("dim %q", pe.Dim)
	}
	cfg = scanConfig(path)
	cfg.Preview.Angles = DimRange{5, 5}
	if _, err := New(cfg, 0, comm.Self(), nil); !errors.As(err, &pe) {
		t.Fatalf("got %v", err)
	}
}

func TestLoaderRejectsSlicingDim(t *testing.T) {
	path, _ := writeScan(t)
	if _, err := New(scanConfig(path), 1, comm.Self(), nil); !errors.Is(err, ErrUnsupportedSlicingDim) {
		t.Errorf("got %v", err)
	}
}

func TestLoaderUserDefinedAngles(t *testing.T) {
	path, _ := writeScan(t)
	cfg := scanConfig(path)
	cfg.ImageKeyPath = ""
	cfg.Darks = DarksFlatsConfig{}
	cfg.Flats = DarksFlatsConfig{}
	cfg.Angles = UserDefinedAngles{StartDeg: 0, StopDeg: 180, Total: 12}
	l, err := New(cfg, 0, comm.Self(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Finalize()
	angles := l.Aux().Angles()
	if len(angles) != 12 {
		t.Fatalf("angles %d", len(angles))
	}
	if angles[0] != 0 {
		t.Errorf("angle 0 = %v", angles[0])
	}
	if want := float32(math.Pi); math.Abs(float64(angles[11]-want)) > 1e-5 {
		t.Errorf("angle 11 = %v, want %v", angles[11], want)
	}
}

func TestLoaderChunkSplitTwoRanks(t *testing.T) {
	path, proj := writeScan(t)
	for _, c := range comm.Local(2) {
		l, err := New(scanConfig(path), 0, c, nil)
		if err != nil {
			t.Fatal(err)
		}
		wantStart := c.Rank() * 4
		if l.ChunkShape() != (shape.Shape{4, 6, 5}) {
			t.Errorf("rank %d: chunk shape %s", c.Rank(), l.ChunkShape())
		}
		if l.GlobalIndex() != (shape.Index{wantStart, 0, 0}) {
			t.Errorf("rank %d: chunk index %s", c.Rank(), l.GlobalIndex())
		}
		b, err := l.ReadBlock(1, 2)
		if err != nil {
			t.Fatal(err)
		}
		want, _ := proj.Slab(0, wantStart+1, 2)
		if !b.Data().Equal(want) {
			t.Errorf("rank %d: block differs", c.Rank())
		}
		l.Finalize()
	}
}

func TestLoaderPaddedRead(t *testing.T) {
	path, proj := writeScan(t)
	cfg := scanConfig(path)
	cfg.Padding = shape.Padding{Before: 2, After: 1}
	l, err := New(cfg, 0, comm.Self(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Finalize()
	b, err := l.ReadBlock(0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if b.Shape()[0] != 5 {
		t.Fatalf("padded block extent %d", b.Shape()[0])
	}
	// leading halo is edge-extrapolated from the first projection
	first, _ := proj.Slab(0, 0, 1)
	for i := 0; i < 2; i++ {
		got, _ := b.Data().Slab(0, i, 1)
		if !got.Equal(first) {
			t.Errorf("halo slice %d is not the first projection", i)
		}
	}
	core, err := b.Core()
	if err != nil {
		t.Fatal(err)
	}
	want, _ := proj.Slab(0, 0, 2)
	if !core.Equal(want) {
		t.Error("core differs")
	}
	after, _ := b.Data().Slab(0, 4, 1)
	wantAfter, _ := proj.Slab(0, 2, 1)
	if !after.Equal(wantAfter) {
		t.Error("trailing halo differs")
	}
}
