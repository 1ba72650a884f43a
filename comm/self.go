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

package comm

import "fmt"

// Self returns the single-process communicator. All collectives are
// local copies.
func Self() Comm { return self{} }

type self struct{}

func (self) Rank() int { return 0 }
func (self) Size() int { return 1 }

func (self) Exchange(peer int, send []byte) ([]byte, error) {
	if peer != 0 {
		return nil, fmt.Errorf("comm: exchange with rank %d in a size-1 group", peer)
	}
	out := make([]byte, len(send))
	copy(out, send)
	return out, nil
}

func (s self) AllToAll(parts [][]byte) ([][]byte, error) {
	if len(parts) != 1 {
		return nil, fmt.Errorf("comm: all-to-all with %d parts in a size-1 group", len(parts))
	}
	out, err := s.Exchange(0, parts[0])
	if err != nil {
		return nil, err
	}
	return [][]byte{out}, nil
}

func (self) Barrier() error { return nil }
func (self) Close() error   { return nil }
