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

// Package shape holds the 3-tuple index arithmetic shared by every
// component that slices volumes: shapes, indices, slab bounds and
// halo padding. All volumes are indexed (angles, detector_y,
// detector_x).
package shape

import "fmt"

// Shape is the extent of a 3-D volume.
type Shape [3]int

// Index is a position within a 3-D volume.
type Index [3]int

// Prod returns the number of elements in a volume of this shape.
func (s Shape) Prod() int {
	return s[0] * s[1] * s[2]
}

func (s Shape) String() string {
	return fmt.Sprintf("(%d, %d, %d)", s[0], s[1], s[2])
}

func (i Index) String() string {
	return fmt.Sprintf("(%d, %d, %d)", i[0], i[1], i[2])
}

// NonSlice returns the two extents of s that are not the slicing
// dimension dim, in axis order.
func (s Shape) NonSlice(dim int) [2]int {
	switch dim {
	case 0:
		return [2]int{s[1], s[2]}
	case 1:
		return [2]int{s[0], s[2]}
	default:
		return [2]int{s[0], s[1]}
	}
}

// WithDim returns a copy of s with dimension dim replaced by n.
func (s Shape) WithDim(dim, n int) Shape {
	s[dim] = n
	return s
}

// FromNonSlice builds a shape from the slicing-dim extent n and the
// two non-slicing extents, inverting Shape.NonSlice.
func FromNonSlice(dim, n int, nonSlice [2]int) Shape {
	switch dim {
	case 0:
		return Shape{n, nonSlice[0], nonSlice[1]}
	case 1:
		return Shape{nonSlice[0], n, nonSlice[1]}
	default:
		return Shape{nonSlice[0], nonSlice[1], n}
	}
}

// Padding is a halo on either side of a block along the slicing
// dimension.
type Padding struct {
	Before int
	After  int
}

// Sum returns the total number of halo slices.
func (p Padding) Sum() int { return p.Before + p.After }

// Split divides length n into count contiguous pieces the way the
// loader assigns chunks to processes: piece r covers
// [round(n*r/count), round(n*(r+1)/count)).
func Split(n, count, r int) (start, length int) {
	start = splitPoint(n, count, r)
	return start, splitPoint(n, count, r+1) - start
}

func splitPoint(n, count, r int) int {
	// round-half-away-from-zero of n*r/count; all operands are
	// non-negative here
	return (2*n*r + count) / (2 * count)
}

// CeilSplit divides length n into count pieces of ceil(n/count)
// elements, the last piece taking the remainder. This is the
// partition used after a reslice.
func CeilSplit(n, count, r int) (start, length int) {
	per := (n + count - 1) / count
	start = per * r
	if start > n {
		start = n
	}
	length = per
	if start+length > n {
		length = n - start
	}
	return start, length
}
