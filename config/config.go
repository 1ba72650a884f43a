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

// Package config carries the process-wide run options. The record is
// built once by the CLI and threaded through the runner; nothing in
// the pipeline mutates it.
package config

import "os"

// Config is the process-wide configuration.
type Config struct {
	// RunOutDir receives intermediate files.
	RunOutDir string
	// GPUID selects the accelerator; -1 runs GPU sections on the
	// host arena.
	GPUID int
	// GPUMemoryBytes is the device arena capacity.
	GPUMemoryBytes int64
	// MaxCPUSlices caps block lengths of CPU-only sections.
	MaxCPUSlices int
	// FramesPerChunk is the storage chunk width along the slicing
	// dimension of persisted intermediates.
	FramesPerChunk int
	// CompressIntermediate enables zstd on persisted intermediates.
	CompressIntermediate bool
	// SaveAll persists the output of every section.
	SaveAll bool
	// MemoryLimitBytes caps in-memory store chunks; 0 means no
	// explicit cap.
	MemoryLimitBytes int64
	// TempDir receives store scratch files.
	TempDir string
}

// Default returns the configuration used when a flag is not given.
func Default() Config {
	return Config{
		RunOutDir:      ".",
		GPUID:          -1,
		GPUMemoryBytes: 4 << 30,
		MaxCPUSlices:   64,
		FramesPerChunk: 1,
		TempDir:        os.TempDir(),
	}
}
