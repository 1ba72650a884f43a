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
	"net"
	"sync"
	"testing"
)

// run drives fn on every rank of an in-process group and fails the
// test on the first rank error.
func run(t *testing.T, comms []Comm, fn func(c Comm) error) {
	t.Helper()
	errs := make([]error, len(comms))
	var wg sync.WaitGroup
	for i, c := range comms {
		wg.Add(1)
		go func(i int, c Comm) {
			defer wg.Done()
			errs[i] = fn(c)
		}(i, c)
	}
	wg.Wait()
	for r, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", r, err)
		}
	}
}

func TestSelf(t *testing.T) {
	c := Self()
	if c.Rank() != 0 || c.Size() != 1 {
		t.Fatalf("rank %d size %d", c.Rank(), c.Size())
	}
	out, err := c.Exchange(0, []byte("abc"))
	if err != nil || string(out) != "abc" {
		t.Fatalf("exchange: %q, %v", out, err)
	}
	if _, err := c.Exchange(1, nil); err == nil {
		t.Error("exchange with rank 1 should fail")
	}
	v, err := AllReduceF64(c, 3.5, OpSum)
	if err != nil || v != 3.5 {
		t.Fatalf("reduce: %v, %v", v, err)
	}
}

func testExchange(t *testing.T, comms []Comm) {
	t.Helper()
	n := len(comms)
	run(t, comms, func(c Comm) error {
		for peer := 0; peer < n; peer++ {
			got, err := c.Exchange(peer, []byte(fmt.Sprintf("from %d to %d", c.Rank(), peer)))
			if err != nil {
				return err
			}
			want := fmt.Sprintf("from %d to %d", peer, c.Rank())
			if string(got) != want {
				return fmt.Errorf("exchange with %d: got %q, want %q", peer, got, want)
			}
		}
		return nil
	})
}

func testCollectives(t *testing.T, comms []Comm) {
	t.Helper()
	n := len(comms)
	run(t, comms, func(c Comm) error {
		parts := make([][]byte, n)
		for i := range parts {
			parts[i] = []byte{byte(c.Rank()), byte(i)}
		}
		got, err := c.AllToAll(parts)
		if err != nil {
			return err
		}
		for src, p := range got {
			if len(p) != 2 || p[0] != byte(src) || p[1] != byte(c.Rank()) {
				return fmt.Errorf("all-to-all from %d: got %v", src, p)
			}
		}
		sum, err := AllReduceI64(c, int64(c.Rank()+1), OpSum)
		if err != nil {
			return err
		}
		if want := int64(n * (n + 1) / 2); sum != want {
			return fmt.Errorf("sum: got %d, want %d", sum, want)
		}
		min, err := AllReduceF64(c, float64(c.Rank()), OpMin)
		if err != nil {
			return err
		}
		if min != 0 {
			return fmt.Errorf("min: got %v", min)
		}
		max, err := AllReduceF64(c, float64(c.Rank()), OpMax)
		if err != nil {
			return err
		}
		if max != float64(n-1) {
			return fmt.Errorf("max: got %v", max)
		}
		return c.Barrier()
	})
}

func TestLocalMesh(t *testing.T) {
	for _, n := range []int{2, 3, 5} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			comms := Local(n)
			testExchange(t, comms)
			testCollectives(t, comms)
		})
	}
}

func TestGather(t *testing.T) {
	comms := Local(3)
	run(t, comms, func(c Comm) error {
		got, err := Gather(c, []byte{byte(c.Rank() + 10)})
		if err != nil {
			return err
		}
		if c.Rank() != 0 {
			if got != nil {
				return fmt.Errorf("rank %d received gather output", c.Rank())
			}
			return nil
		}
		for src, p := range got {
			if len(p) != 1 || p[0] != byte(src+10) {
				return fmt.Errorf("gathered %v from rank %d", p, src)
			}
		}
		return nil
	})
}

func freeAddrs(t *testing.T, n int) []string {
	t.Helper()
	addrs := make([]string, n)
	for i := range addrs {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		addrs[i] = ln.Addr().String()
		ln.Close()
	}
	return addrs
}

func TestTCPMesh(t *testing.T) {
	const n = 3
	peers := freeAddrs(t, n)
	var key [16]byte
	copy(key[:], "0123456789abcdef")

	comms := make([]Comm, n)
	var wg sync.WaitGroup
	errs := make([]error, n)
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			comms[r], errs[r] = Dial(MeshConfig{Rank: r, Peers: peers, Key: key})
		}(r)
	}
	wg.Wait()
	for r, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: dial: %v", r, err)
		}
	}
	defer func() {
		for _, c := range comms {
			c.Close()
		}
	}()
	testExchange(t, comms)
	testCollectives(t, comms)
}
