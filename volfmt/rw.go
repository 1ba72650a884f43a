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
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tomostream/tomostream/cube"
	"github.com/tomostream/tomostream/dtype"
	"github.com/tomostream/tomostream/shape"
)

// Spec declares a dataset of a preallocated container.
type Spec struct {
	Name           string
	Dtype          dtype.T
	Dims           []int
	FramesPerChunk int
}

// CreateSized lays out a complete container with zeroed, contiguous
// datasets and writes its directory immediately. Multiple processes
// may then open the file with OpenRW and fill disjoint regions in
// place; the layout never changes after creation, so no further
// coordination is needed. Digests are not recorded for such files.
func CreateSized(path string, specs []Spec) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("volfmt: create: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(magic); err != nil {
		return fmt.Errorf("volfmt: create: %w", err)
	}
	var dir directory
	off := int64(len(magic))
	for _, s := range specs {
		dir.Datasets = append(dir.Datasets, dsInfo{
			Name:           s.Name,
			Dtype:          s.Dtype.String(),
			Dims:           append([]int(nil), s.Dims...),
			Offset:         off,
			FramesPerChunk: s.FramesPerChunk,
		})
		off += payloadLen(s.Dtype, s.Dims)
	}
	// datasets are left as file holes until written
	if err := f.Truncate(off); err != nil {
		return fmt.Errorf("volfmt: create: %w", err)
	}
	if err := writeTrailer(f, off, &dir); err != nil {
		return fmt.Errorf("volfmt: trailer: %w", err)
	}
	return nil
}

// RWFile is a preallocated container opened for in-place writes.
type RWFile struct {
	f      *os.File
	dir    directory
	byName map[string]*dsInfo
}

// OpenRW opens a container created by CreateSized for writing.
func OpenRW(path string) (*RWFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("volfmt: open rw: %w", err)
	}
	rw := &RWFile{f: f}
	if err := rw.parse(); err != nil {
		f.Close()
		return nil, fmt.Errorf("volfmt: open rw %s: %w", path, err)
	}
	return rw, nil
}

func (rw *RWFile) parse() error {
	info, err := rw.f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	if size < int64(len(magic))*2+8 {
		return fmt.Errorf("file of %d bytes is too short", size)
	}
	var tail [16]byte
	if _, err := rw.f.ReadAt(tail[:], size-16); err != nil {
		return err
	}
	dirOff := int64(binary.LittleEndian.Uint64(tail[:8]))
	if dirOff < int64(len(magic)) || dirOff > size-16 {
		return fmt.Errorf("directory offset %d out of range", dirOff)
	}
	blob := make([]byte, size-16-dirOff)
	if _, err := rw.f.ReadAt(blob, dirOff); err != nil {
		return err
	}
	if err := json.Unmarshal(blob, &rw.dir); err != nil {
		return fmt.Errorf("directory: %w", err)
	}
	rw.byName = make(map[string]*dsInfo, len(rw.dir.Datasets))
	for i := range rw.dir.Datasets {
		rw.byName[rw.dir.Datasets[i].Name] = &rw.dir.Datasets[i]
	}
	return nil
}

// WriteBox writes src into the named 3-D dataset with its origin at
// lo, using positioned writes per contiguous run so that concurrent
// writers of disjoint boxes never interfere.
func (rw *RWFile) WriteBox(name string, lo shape.Index, src *cube.Cube) error {
	info, ok := rw.byName[name]
	if !ok {
		return fmt.Errorf("volfmt: no dataset %q", name)
	}
	if len(info.Dims) != 3 {
		return fmt.Errorf("volfmt: dataset %q has %d dims, want 3", name, len(info.Dims))
	}
	if info.Compression != "" {
		return fmt.Errorf("volfmt: dataset %q: in-place writes require a contiguous dataset", name)
	}
	t, err := info.dtype()
	if err != nil {
		return err
	}
	if t != src.Type {
		return fmt.Errorf("volfmt: dataset %q is %s, write is %s", name, t, src.Type)
	}
	dims := shape.Shape{info.Dims[0], info.Dims[1], info.Dims[2]}
	for d := 0; d < 3; d++ {
		if lo[d] < 0 || lo[d]+src.Dims[d] > dims[d] {
			return fmt.Errorf("volfmt: dataset %q: box [%d, %d) out of range [0, %d) in dim %d",
				name, lo[d], lo[d]+src.Dims[d], dims[d], d)
		}
	}
	es := int64(t.Size())
	run := int64(src.Dims[2]) * es
	for i := 0; i < src.Dims[0]; i++ {
		for j := 0; j < src.Dims[1]; j++ {
			fileOff := info.Offset +
				((int64(lo[0]+i)*int64(dims[1])+int64(lo[1]+j))*int64(dims[2])+int64(lo[2]))*es
			srcOff := (int64(i)*int64(src.Dims[1]) + int64(j)) * run
			if _, err := rw.f.WriteAt(src.Buf[srcOff:srcOff+run], fileOff); err != nil {
				return fmt.Errorf("volfmt: dataset %q: %w", name, err)
			}
		}
	}
	return nil
}

// WriteAll replaces the full payload of a 1-D or 3-D dataset.
func (rw *RWFile) WriteAll(name string, data []byte) error {
	info, ok := rw.byName[name]
	if !ok {
		return fmt.Errorf("volfmt: no dataset %q", name)
	}
	if int64(len(data)) != info.nbytes() {
		return fmt.Errorf("volfmt: dataset %q: %d bytes, want %d", name, len(data), info.nbytes())
	}
	if _, err := rw.f.WriteAt(data, info.Offset); err != nil {
		return fmt.Errorf("volfmt: dataset %q: %w", name, err)
	}
	return nil
}

// Close flushes and closes the file.
func (rw *RWFile) Close() error {
	if err := rw.f.Sync(); err != nil {
		rw.f.Close()
		return err
	}
	return rw.f.Close()
}
