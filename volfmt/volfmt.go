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

// Package volfmt implements the on-disk volume container used for
// raw input files and persisted intermediates.
//
// A file holds named datasets. Each dataset is a dense little-endian
// array, either stored contiguously or as independently
// zstd-compressed frame chunks along its first axis. A JSON directory
// sits at the end of the file, followed by the directory offset and a
// trailing copy of the magic, so files can be validated and opened
// from the back without parsing payloads.
package volfmt

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/crypto/blake2b"

	"github.com/tomostream/tomostream/compr"
	"github.com/tomostream/tomostream/cube"
	"github.com/tomostream/tomostream/dtype"
	"github.com/tomostream/tomostream/shape"
)

var magic = []byte("TSVOL1\x00\x00")

// Well-known dataset names, mirroring the NeXus entries raw scans
// are converted from.
const (
	DataPath     = "data"
	ImageKeyPath = "image_key"
	AnglesPath   = "angles"
	DarksPath    = "darks"
	FlatsPath    = "flats"
)

type frameRef struct {
	Offset int64 `json:"offset"`
	Size   int64 `json:"size"`
}

type dsInfo struct {
	Name        string `json:"name"`
	Dtype       string `json:"dtype"`
	Dims        []int  `json:"dims"`
	Compression string `json:"compression,omitempty"`
	// Offset locates the raw payload of a contiguous dataset.
	Offset int64 `json:"offset"`
	// Frames locates the compressed chunks of a compressed dataset,
	// each covering FramesPerChunk slices along the first axis.
	Frames         []frameRef `json:"frames,omitempty"`
	FramesPerChunk int        `json:"frames_per_chunk,omitempty"`
	// Digest is the hex blake2b-256 of the raw payload; empty when
	// the dataset was written in place by multiple processes.
	Digest string `json:"digest,omitempty"`
}

func (d *dsInfo) dtype() (dtype.T, error) {
	return dtype.Parse(d.Dtype)
}

func (d *dsInfo) rowBytes() int64 {
	t, _ := d.dtype()
	n := int64(t.Size())
	for _, dim := range d.Dims[1:] {
		n *= int64(dim)
	}
	return n
}

func (d *dsInfo) nbytes() int64 {
	if len(d.Dims) == 0 {
		return 0
	}
	return d.rowBytes() * int64(d.Dims[0])
}

type directory struct {
	Datasets []dsInfo `json:"datasets"`
}

// File is a container opened for reading. The data is memory-mapped
// on platforms that support it and read wholesale otherwise.
type File struct {
	path   string
	data   []byte
	mapped bool
	dir    directory
	byName map[string]*dsInfo
}

// Open opens and validates a container file.
func Open(path string) (*File, error) {
	data, mapped, err := mapFile(path)
	if err != nil {
		return nil, fmt.Errorf("volfmt: open %s: %w", path, err)
	}
	f := &File{path: path, data: data, mapped: mapped}
	if err := f.parse(); err != nil {
		f.Close()
		return nil, fmt.Errorf("volfmt: open %s: %w", path, err)
	}
	return f, nil
}

func (f *File) parse() error {
	if len(f.data) < len(magic)*2+8 {
		return fmt.Errorf("file of %d bytes is too short", len(f.data))
	}
	if !bytes.Equal(f.data[:len(magic)], magic) {
		return fmt.Errorf("bad leading magic")
	}
	if !bytes.Equal(f.data[len(f.data)-len(magic):], magic) {
		return fmt.Errorf("bad trailing magic")
	}
	end := len(f.data) - len(magic) - 8
	dirOff := int64(binary.LittleEndian.Uint64(f.data[end:]))
	if dirOff < int64(len(magic)) || dirOff > int64(end) {
		return fmt.Errorf("directory offset %d out of range", dirOff)
	}
	if err := json.Unmarshal(f.data[dirOff:end], &f.dir); err != nil {
		return fmt.Errorf("directory: %w", err)
	}
	f.byName = make(map[string]*dsInfo, len(f.dir.Datasets))
	for i := range f.dir.Datasets {
		d := &f.dir.Datasets[i]
		if _, err := d.dtype(); err != nil {
			return fmt.Errorf("dataset %q: %w", d.Name, err)
		}
		f.byName[d.Name] = d
	}
	return nil
}

// Close releases the mapping or buffer.
func (f *File) Close() error {
	data := f.data
	f.data = nil
	if f.mapped && data != nil {
		return unmap(data)
	}
	return nil
}

// Has reports whether a dataset exists.
func (f *File) Has(name string) bool {
	_, ok := f.byName[name]
	return ok
}

// Dataset looks up a dataset by name.
func (f *File) Dataset(name string) (*Dataset, error) {
	info, ok := f.byName[name]
	if !ok {
		return nil, fmt.Errorf("volfmt: %s: no dataset %q", f.path, name)
	}
	return &Dataset{f: f, info: info}, nil
}

// Dataset is a handle to one named array in a container.
type Dataset struct {
	f    *File
	info *dsInfo
}

// Dims returns the dataset's extents.
func (d *Dataset) Dims() []int { return d.info.Dims }

// DType returns the element type.
func (d *Dataset) DType() dtype.T {
	t, _ := d.info.dtype()
	return t
}

// Rows returns the extent of the first axis.
func (d *Dataset) Rows() int {
	if len(d.info.Dims) == 0 {
		return 0
	}
	return d.info.Dims[0]
}

// Raw returns the full decompressed payload, verifying the recorded
// digest when one is present.
func (d *Dataset) Raw() ([]byte, error) {
	var raw []byte
	if d.info.Compression == "" {
		raw = make([]byte, d.info.nbytes())
		copy(raw, d.f.data[d.info.Offset:d.info.Offset+d.info.nbytes()])
	} else {
		var err error
		raw, err = d.decompressAll()
		if err != nil {
			return nil, err
		}
	}
	if d.info.Digest != "" {
		sum := blake2b.Sum256(raw)
		if hex.EncodeToString(sum[:]) != d.info.Digest {
			return nil, fmt.Errorf("volfmt: %s: dataset %q: content digest mismatch", d.f.path, d.info.Name)
		}
	}
	return raw, nil
}

func (d *Dataset) decompressAll() ([]byte, error) {
	dec := compr.Decompression(d.info.Compression)
	if dec == nil {
		return nil, fmt.Errorf("volfmt: dataset %q: unknown compression %q", d.info.Name, d.info.Compression)
	}
	raw := make([]byte, d.info.nbytes())
	fpc := d.info.FramesPerChunk
	row := d.info.rowBytes()
	pos := int64(0)
	for i, fr := range d.info.Frames {
		rows := fpc
		if got := d.Rows() - i*fpc; got < rows {
			rows = got
		}
		size := row * int64(rows)
		src := d.f.data[fr.Offset : fr.Offset+fr.Size]
		if err := dec.Decompress(src, raw[pos:pos+size]); err != nil {
			return nil, fmt.Errorf("volfmt: dataset %q: chunk %d: %w", d.info.Name, i, err)
		}
		pos += size
	}
	return raw, nil
}

// ReadRows returns rows [start, start+n) along the first axis as a
// contiguous buffer. Partial reads skip digest verification.
func (d *Dataset) ReadRows(start, n int) ([]byte, error) {
	if start < 0 || n < 0 || start+n > d.Rows() {
		return nil, fmt.Errorf("volfmt: dataset %q: rows [%d, %d) out of range [0, %d)",
			d.info.Name, start, start+n, d.Rows())
	}
	row := d.info.rowBytes()
	if d.info.Compression == "" {
		off := d.info.Offset + int64(start)*row
		out := make([]byte, int64(n)*row)
		copy(out, d.f.data[off:off+int64(n)*row])
		return out, nil
	}
	dec := compr.Decompression(d.info.Compression)
	if dec == nil {
		return nil, fmt.Errorf("volfmt: dataset %q: unknown compression %q", d.info.Name, d.info.Compression)
	}
	fpc := d.info.FramesPerChunk
	out := make([]byte, int64(n)*row)
	for ci := start / fpc; ci*fpc < start+n && ci < len(d.info.Frames); ci++ {
		rows := fpc
		if got := d.Rows() - ci*fpc; got < rows {
			rows = got
		}
		chunk := make([]byte, int64(rows)*row)
		fr := d.info.Frames[ci]
		if err := dec.Decompress(d.f.data[fr.Offset:fr.Offset+fr.Size], chunk); err != nil {
			return nil, fmt.Errorf("volfmt: dataset %q: chunk %d: %w", d.info.Name, ci, err)
		}
		// intersection of this chunk with [start, start+n)
		lo := ci * fpc
		from, to := start-lo, start+n-lo
		if from < 0 {
			from = 0
		}
		if to > rows {
			to = rows
		}
		copy(out[int64(lo+from-start)*row:], chunk[int64(from)*row:int64(to)*row])
	}
	return out, nil
}

// Cube reads the whole dataset as a 3-D cube. The dataset must have
// three dims.
func (d *Dataset) Cube() (*cube.Cube, error) {
	if len(d.info.Dims) != 3 {
		return nil, fmt.Errorf("volfmt: dataset %q has %d dims, want 3", d.info.Name, len(d.info.Dims))
	}
	raw, err := d.Raw()
	if err != nil {
		return nil, err
	}
	dims := shape.Shape{d.info.Dims[0], d.info.Dims[1], d.info.Dims[2]}
	return cube.Wrap(d.DType(), dims, raw)
}

// Verify checks the digests of all datasets that carry one.
func (f *File) Verify() error {
	for i := range f.dir.Datasets {
		d := &f.dir.Datasets[i]
		if d.Digest == "" {
			continue
		}
		if _, err := (&Dataset{f: f, info: d}).Raw(); err != nil {
			return err
		}
	}
	return nil
}

func writeTrailer(f *os.File, off int64, dir *directory) error {
	blob, err := json.Marshal(dir)
	if err != nil {
		return err
	}
	var tail [16]byte
	binary.LittleEndian.PutUint64(tail[:8], uint64(off))
	copy(tail[8:], magic)
	if _, err := f.WriteAt(blob, off); err != nil {
		return err
	}
	if _, err := f.WriteAt(tail[:], off+int64(len(blob))); err != nil {
		return err
	}
	return nil
}
