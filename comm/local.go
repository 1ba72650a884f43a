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

import (
	"fmt"
	"sync"
)

// Local returns n communicators sharing an in-process mesh, one per
// rank. Each rank is meant to be driven from its own goroutine; the
// semantics match the TCP mesh so that multi-process behavior can be
// tested inside one test binary.
func Local(n int) []Comm {
	links := make([][]chan []byte, n)
	for i := range links {
		links[i] = make([]chan []byte, n)
		for j := range links[i] {
			// a rank sends at most one frame per collective on
			// each directed link; slack covers ranks that are a
			// collective ahead of a slow peer
			links[i][j] = make(chan []byte, 4)
		}
	}
	bar := &barrier{n: n}
	bar.cond = sync.NewCond(&bar.mu)
	comms := make([]Comm, n)
	for r := 0; r < n; r++ {
		comms[r] = &localComm{rank: r, n: n, links: links, bar: bar}
	}
	return comms
}

type localComm struct {
	rank, n int
	// links[from][to] carries frames from rank `from` to rank `to`
	links [][]chan []byte
	bar   *barrier
}

func (l *localComm) Rank() int { return l.rank }
func (l *localComm) Size() int { return l.n }

func (l *localComm) Exchange(peer int, send []byte) ([]byte, error) {
	if peer < 0 || peer >= l.n {
		return nil, fmt.Errorf("comm: exchange with rank %d in a size-%d group", peer, l.n)
	}
	out := make([]byte, len(send))
	copy(out, send)
	if peer == l.rank {
		return out, nil
	}
	l.links[l.rank][peer] <- out
	return <-l.links[peer][l.rank], nil
}

func (l *localComm) AllToAll(parts [][]byte) ([][]byte, error) {
	if len(parts) != l.n {
		return nil, fmt.Errorf("comm: all-to-all with %d parts in a size-%d group", len(parts), l.n)
	}
	got := make([][]byte, l.n)
	for round := 0; round < l.n; round++ {
		peer := pairing(round, l.rank, l.n)
		var err error
		got[peer], err = l.Exchange(peer, parts[peer])
		if err != nil {
			return nil, err
		}
	}
	return got, nil
}

func (l *localComm) Barrier() error {
	l.bar.wait()
	return nil
}

func (l *localComm) Close() error { return nil }

// barrier is a reusable generation-counting barrier.
type barrier struct {
	mu    sync.Mutex
	cond  *sync.Cond
	n     int
	count int
	gen   int
}

func (b *barrier) wait() {
	b.mu.Lock()
	defer b.mu.Unlock()
	gen := b.gen
	b.count++
	if b.count == b.n {
		b.count = 0
		b.gen++
		b.cond.Broadcast()
		return
	}
	for gen == b.gen {
		b.cond.Wait()
	}
}
