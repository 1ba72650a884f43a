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

// Package compr provides a unified interface wrapping the
// third-party compression libraries used for volume frames: zstd for
// persisted files and s2 for scratch data where speed matters more
// than ratio.
package compr

import (
	"fmt"
	"runtime"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Compressor compresses whole frames. Frames are compressed
// independently so that a reader can decompress any frame without its
// neighbours.
type Compressor interface {
	// Name is the name of the compression algorithm,
	// as recorded in file directories.
	Name() string
	// Compress appends the compressed contents of src
	// to dst and returns the result.
	Compress(src, dst []byte) []byte
}

// Decompressor is the inverse of Compressor. The decompressed size is
// always known from the dataset shape, so Decompress takes a
// destination of exactly the right length.
type Decompressor interface {
	// Name is the name of the compression algorithm.
	// See also Compressor.Name.
	Name() string
	// Decompress decompresses src into dst. It errors out
	// if the encoded data does not fit dst exactly.
	//
	// It must be safe to call Decompress from multiple
	// goroutines simultaneously.
	Decompress(src, dst []byte) error
}

type zstdCompressor struct {
	enc *zstd.Encoder
}

func (z zstdCompressor) Name() string { return "zstd" }

func (z zstdCompressor) Compress(src, dst []byte) []byte {
	return z.enc.EncodeAll(src, dst)
}

var zstdDecoder *zstd.Decoder

func init() {
	// by default, concurrency is set to min(4, GOMAXPROCS);
	// we'd like it to *always* be GOMAXPROCS
	z, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(runtime.GOMAXPROCS(0)))
	if err != nil {
		panic(err)
	}
	zstdDecoder = z
}

type zstdDecompressor struct{}

func (zstdDecompressor) Name() string { return "zstd" }

func (zstdDecompressor) Decompress(src, dst []byte) error {
	ret, err := zstdDecoder.DecodeAll(src, dst[:0:len(dst)])
	if err != nil {
		return err
	}
	if len(ret) != len(dst) {
		return fmt.Errorf("expected %d bytes decompressed; got %d", len(dst), len(ret))
	}
	if &ret[0] != &dst[0] {
		return fmt.Errorf("zstd decompress: output buffer realloc'd")
	}
	return nil
}

type s2Compressor struct{}

func (s2Compressor) Name() string { return "s2" }

func (s2Compressor) Compress(src, dst []byte) []byte {
	return append(dst, s2.Encode(nil, src)...)
}

func (s2Compressor) Decompress(src, dst []byte) error {
	ret, err := s2.Decode(dst[:0:len(dst)], src)
	if err != nil {
		return err
	}
	if len(ret) != len(dst) {
		return fmt.Errorf("expected %d bytes decompressed; got %d", len(dst), len(ret))
	}
	if &ret[0] != &dst[0] {
		return fmt.Errorf("s2 decompress: output buffer realloc'd")
	}
	return nil
}

// Compression selects a compression algorithm by name.
// The returned Compressor returns the same value for
// Compressor.Name as the specified name. Unknown names
// yield nil.
func Compression(name string) Compressor {
	switch name {
	case "zstd":
		z, _ := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		return zstdCompressor{z}
	case "s2":
		return s2Compressor{}
	default:
		return nil
	}
}

// Decompression selects a decompression algorithm by name.
func Decompression(name string) Decompressor {
	switch name {
	case "zstd":
		return zstdDecompressor{}
	case "s2":
		return s2Compressor{}
	default:
		return nil
	}
}
