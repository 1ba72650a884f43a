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

package store

import (
	"errors"
	"fmt"

	"github.com/tomostream/tomostream/shape"
)

// ErrEmptyStore is returned by MakeReader before any block has been
// written.
var ErrEmptyStore = errors.New("dataset store: no data has been written yet")

// ErrWriteAfterSeal is returned by WriteBlock once a reader exists.
var ErrWriteAfterSeal = errors.New("dataset store: store is sealed, writing is no longer possible")

// ErrOutOfMemory signals that the chunk does not fit in host memory;
// the writer recovers from it by spilling to a file.
var ErrOutOfMemory = errors.New("out of memory")

// ShapeMismatchError reports a block whose metadata disagrees with
// the store's first write.
type ShapeMismatchError struct {
	Field string
	Got   string
	Want  string
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("dataset store: inconsistent shape: %s is %s, expected %s", e.Field, e.Got, e.Want)
}

// OutOfChunkError reports a block range outside the chunk extent
// (padding allowance included).
type OutOfChunkError struct {
	Start   int
	Length  int
	Chunk   int
	Padding shape.Padding
}

func (e *OutOfChunkError) Error() string {
	return fmt.Sprintf("dataset store: block range [%d, %d) outside chunk of %d slices (padding (%d, %d))",
		e.Start, e.Start+e.Length, e.Chunk, e.Padding.Before, e.Padding.After)
}
