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

//go:build linux

package volfmt

import (
	"math"
	"os"

	"golang.org/x/sys/unix"
)

// mapFile maps the file read-only. Empty files cannot be mapped and
// fall back to a (trivial) read.
func mapFile(path string) ([]byte, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, false, err
	}
	if info.Size() == 0 || info.Size() > math.MaxInt {
		data, err := os.ReadFile(path)
		return data, false, err
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		data, err := os.ReadFile(path)
		return data, false, err
	}
	return mem, true, nil
}

func unmap(mem []byte) error {
	return unix.Munmap(mem)
}
