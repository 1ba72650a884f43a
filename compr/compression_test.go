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

package compr

import (
	"bytes"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	for _, name := range []string{"zstd", "s2"} {
		t.Run(name, func(t *testing.T) {
			comp := Compression(name)
			if comp == nil {
				t.Fatalf("no compressor for %q", name)
			} else if n := comp.Name(); n != name {
				t.Fatalf("bad compressor name %q", n)
			}
			dec := Decompression(name)
			if dec == nil {
				t.Fatalf("no decompressor for %q", name)
			}
			ctl := bytes.Repeat([]byte("projection frame "), 1000)
			cmp := comp.Compress(ctl, nil)
			if len(cmp) >= len(ctl) {
				t.Errorf("repetitive frame did not shrink: %d -> %d", len(ctl), len(cmp))
			}
			dst := make([]byte, len(ctl))
			if err := dec.Decompress(cmp, dst); err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(ctl, dst) {
				t.Error("mismatch after round trip")
			}
		})
	}
}

func TestDecompressSizeMismatch(t *testing.T) {
	comp := Compression("zstd")
	cmp := comp.Compress(make([]byte, 100), nil)
	dst := make([]byte, 99)
	if err := Decompression("zstd").Decompress(cmp, dst); err == nil {
		t.Error("short destination did not fail")
	}
}

func TestUnknownAlgorithm(t *testing.T) {
	if Compression("lzma") != nil {
		t.Error("lzma should not resolve")
	}
	if Decompression("lzma") != nil {
		t.Error("lzma should not resolve")
	}
}
