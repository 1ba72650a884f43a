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

package volfmt

import (
	"encoding/hex"
	"fmt"
	"os"

	"golang.org/x/crypto/blake2b"

	"github.com/tomostream/tomostream/compr"
	"github.com/tomostream/tomostream/dtype"
)

// Writer builds a container by appending whole datasets. It is the
// single-process write path, used by tests, converters and the
// gathered (compressed) intermediate sink.
type Writer struct {
	f    *os.File
	off  int64
	dir  directory
	done bool
}

// Create starts a new container at path, truncating any existing
// file.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("volfmt: create: %w", err)
	}
	if _, err := f.Write(magic); err != nil {
		f.Close()
		return nil, fmt.Errorf("volfmt: create: %w", err)
	}
	return &Writer{f: f, off: int64(len(magic))}, nil
}

func (w *Writer) checkName(name string) error {
	if name == "" {
		return fmt.Errorf("volfmt: empty dataset name")
	}
	for i := range w.dir.Datasets {
		if w.dir.Datasets[i].Name == name {
			return fmt.Errorf("volfmt: duplicate dataset %q", name)
		}
	}
	return nil
}

func payloadLen(t dtype.T, dims []int) int64 {
	n := int64(t.Size())
	for _, d := range dims {
		n *= int64(d)
	}
	return n
}

// WriteDataset appends a contiguous dataset and records its digest.
func (w *Writer) WriteDataset(name string, t dtype.T, dims []int, data []byte) error {
	if err := w.checkName(name); err != nil {
		return err
	}
	if want := payloadLen(t, dims); int64(len(data)) != want {
		return fmt.Errorf("volfmt: dataset %q: %d bytes of data for dims %v of %s (want %d)",
			name, len(data), dims, t, want)
	}
	if _, err := w.f.WriteAt(data, w.off); err != nil {
		return fmt.Errorf("volfmt: dataset %q: %w", name, err)
	}
	sum := blake2b.Sum256(data)
	w.dir.Datasets = append(w.dir.Datasets, dsInfo{
		Name:   name,
		Dtype:  t.String(),
		Dims:   append([]int(nil), dims...),
		Offset: w.off,
		Digest: hex.EncodeToString(sum[:]),
	})
	w.off += int64(len(data))
	return nil
}

// WriteDatasetCompressed appends a dataset as zstd-compressed chunks
// of framesPerChunk slices along the first axis.
func (w *Writer) WriteDatasetCompressed(name string, t dtype.T, dims []int, data []byte, framesPerChunk int) error {
	if err := w.checkName(name); err != nil {
		return err
	}
	if want := payloadLen(t, dims); int64(len(data)) != want {
		return fmt.Errorf("volfmt: dataset %q: %d bytes of data for dims %v of %s (want %d)",
			name, len(data), dims, t, want)
	}
	rows := dims[0]
	if framesPerChunk < 1 || framesPerChunk > rows {
		framesPerChunk = 1
	}
	row := payloadLen(t, dims[1:])
	comp := compr.Compression("zstd")
	info := dsInfo{
		Name:           name,
		Dtype:          t.String(),
		Dims:           append([]int(nil), dims...),
		Compression:    comp.Name(),
		Offset:         w.off,
		FramesPerChunk: framesPerChunk,
	}
	var scratch []byte
	for lo := 0; lo < rows; lo += framesPerChunk {
		hi := lo + framesPerChunk
		if hi > rows {
			hi = rows
		}
		scratch = comp.Compress(data[int64(lo)*row:int64(hi)*row], scratch[:0])
		if _, err := w.f.WriteAt(scratch, w.off); err != nil {
			return fmt.Errorf("volfmt: dataset %q: %w", name, err)
		}
		info.Frames = append(info.Frames, frameRef{Offset: w.off, Size: int64(len(scratch))})
		w.off += int64(len(scratch))
	}
	sum := blake2b.Sum256(data)
	info.Digest = hex.EncodeToString(sum[:])
	w.dir.Datasets = append(w.dir.Datasets, info)
	return nil
}

// Close writes the directory and trailer and closes the file.
func (w *Writer) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	if err := writeTrailer(w.f, w.off, &w.dir); err != nil {
		w.f.Close()
		return fmt.Errorf("volfmt: trailer: %w", err)
	}
	return w.f.Close()
}
