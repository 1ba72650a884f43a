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

// Package comm is the process group abstraction the pipeline runs
// over. Every process executes the same program and is distinguished
// only by its rank; data moves between ranks through the pairwise and
// all-to-all exchanges defined here. Pairings are deterministic so
// that runs are reproducible bit-for-bit for a given process count.
package comm

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Comm is a communicator over a fixed group of processes.
//
// Exchange and AllToAll are collective: every rank in the group must
// make the matching call or the participants deadlock. That mirrors
// how the runner drives them, in lockstep at section boundaries.
type Comm interface {
	Rank() int
	Size() int

	// Exchange performs a symmetric send/receive with peer and
	// returns the peer's payload. Exchanging with one's own rank
	// returns a copy of send.
	Exchange(peer int, send []byte) ([]byte, error)

	// AllToAll sends parts[i] to rank i and returns the payloads
	// received from every rank, indexed by source rank. parts must
	// have exactly Size() entries; entries may be empty.
	AllToAll(parts [][]byte) ([][]byte, error)

	// Barrier blocks until every rank has entered it.
	Barrier() error

	// Close releases any connections held by the communicator.
	Close() error
}

// Op is a reduction operator for AllReduce.
type Op uint8

const (
	OpMin Op = iota
	OpMax
	OpSum
)

// AllReduceF64 combines v across all ranks with op; every rank
// receives the same result.
func AllReduceF64(c Comm, v float64, op Op) (float64, error) {
	parts := make([][]byte, c.Size())
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
	for i := range parts {
		parts[i] = buf
	}
	got, err := c.AllToAll(parts)
	if err != nil {
		return 0, err
	}
	acc := v
	for r, p := range got {
		if r == c.Rank() {
			continue
		}
		if len(p) != 8 {
			return 0, fmt.Errorf("comm: reduce payload from rank %d is %d bytes", r, len(p))
		}
		acc = combineF64(acc, math.Float64frombits(binary.LittleEndian.Uint64(p)), op)
	}
	return acc, nil
}

// AllReduceI64 is AllReduceF64 for 64-bit integers.
func AllReduceI64(c Comm, v int64, op Op) (int64, error) {
	parts := make([][]byte, c.Size())
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(v))
	for i := range parts {
		parts[i] = buf
	}
	got, err := c.AllToAll(parts)
	if err != nil {
		return 0, err
	}
	acc := v
	for r, p := range got {
		if r == c.Rank() {
			continue
		}
		if len(p) != 8 {
			return 0, fmt.Errorf("comm: reduce payload from rank %d is %d bytes", r, len(p))
		}
		acc = combineI64(acc, int64(binary.LittleEndian.Uint64(p)), op)
	}
	return acc, nil
}

// Gather collects every rank's payload on rank 0, indexed by source
// rank. Other ranks receive nil.
func Gather(c Comm, payload []byte) ([][]byte, error) {
	parts := make([][]byte, c.Size())
	parts[0] = payload
	got, err := c.AllToAll(parts)
	if err != nil {
		return nil, err
	}
	if c.Rank() != 0 {
		return nil, nil
	}
	return got, nil
}

// Broadcast distributes rank 0's payload to every rank.
func Broadcast(c Comm, payload []byte) ([]byte, error) {
	parts := make([][]byte, c.Size())
	if c.Rank() == 0 {
		for i := range parts {
			parts[i] = payload
		}
	}
	got, err := c.AllToAll(parts)
	if err != nil {
		return nil, err
	}
	return got[0], nil
}

func combineF64(a, b float64, op Op) float64 {
	switch op {
	case OpMin:
		return math.Min(a, b)
	case OpMax:
		return math.Max(a, b)
	default:
		return a + b
	}
}

func combineI64(a, b int64, op Op) int64 {
	switch op {
	case OpMin:
		if b < a {
			return b
		}
		return a
	case OpMax:
		if b > a {
			return b
		}
		return a
	default:
		return a + b
	}
}

// pairing yields the deterministic round-robin schedule for an
// all-to-all: in round k, rank r is paired with (k - r) mod n, which
// is symmetric. In the round that pairs a rank with itself, callers
// exchange with their own rank, which is a local copy.
func pairing(round, rank, n int) int {
	p := (round - rank) % n
	if p < 0 {
		p += n
	}
	return p
}
