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

package shape

import "testing"

func TestNonSliceRoundTrip(t *testing.T) {
	s := Shape{10, 20, 30}
	for dim := 0; dim < 3; dim++ {
		ns := s.NonSlice(dim)
		got := FromNonSlice(dim, s[dim], ns)
		if got != s {
			t.Errorf("dim %d: round-trip %v -> %v", dim, s, got)
		}
	}
}

func TestSplitCoversExactly(t *testing.T) {
	for _, n := range []int{1, 2, 7, 10, 100, 181} {
		for _, count := range []int{1, 2, 3, 4, 7} {
			prev := 0
			total := 0
			for r := 0; r < count; r++ {
				start, length := Split(n, count, r)
				if start != prev {
					t.Fatalf("n=%d count=%d rank=%d: start %d, want %d", n, count, r, start, prev)
				}
				if length < 0 {
					t.Fatalf("n=%d count=%d rank=%d: negative length %d", n, count, r, length)
				}
				prev = start + length
				total += length
			}
			if total != n {
				t.Errorf("n=%d count=%d: pieces cover %d", n, count, total)
			}
		}
	}
}

func TestSplitEven(t *testing.T) {
	start, length := Split(10, 2, 0)
	if start != 0 || length != 5 {
		t.Errorf("rank 0: got (%d, %d)", start, length)
	}
	start, length = Split(10, 2, 1)
	if start != 5 || length != 5 {
		t.Errorf("rank 1: got (%d, %d)", start, length)
	}
}

func TestCeilSplit(t *testing.T) {
	tests := []struct {
		n, count, r   int
		start, length int
	}{
		{10, 2, 0, 0, 5},
		{10, 2, 1, 5, 5},
		{10, 3, 0, 0, 4},
		{10, 3, 1, 4, 4},
		{10, 3, 2, 8, 2},
		{3, 4, 3, 3, 0},
	}
	for _, tc := range tests {
		start, length := CeilSplit(tc.n, tc.count, tc.r)
		if start != tc.start || length != tc.length {
			t.Errorf("CeilSplit(%d, %d, %d) = (%d, %d), want (%d, %d)",
				tc.n, tc.count, tc.r, start, length, tc.start, tc.length)
		}
	}
}

func TestPatternCompatible(t *testing.T) {
	tests := []struct {
		a, b Pattern
		want bool
	}{
		{PatternProjection, PatternProjection, true},
		{PatternProjection, PatternSinogram, false},
		{PatternProjection, PatternAll, true},
		{PatternAll, PatternSinogram, true},
		{PatternAll, PatternAll, true},
	}
	for _, tc := range tests {
		if got := Compatible(tc.a, tc.b); got != tc.want {
			t.Errorf("Compatible(%s, %s) = %v", tc.a, tc.b, got)
		}
		if got := Compatible(tc.b, tc.a); got != tc.want {
			t.Errorf("Compatible(%s, %s) = %v", tc.b, tc.a, got)
		}
	}
}

func TestPatternSlicingDim(t *testing.T) {
	if d := PatternProjection.SlicingDim(); d != 0 {
		t.Errorf("projection dim %d", d)
	}
	if d := PatternSinogram.SlicingDim(); d != 1 {
		t.Errorf("sinogram dim %d", d)
	}
}
