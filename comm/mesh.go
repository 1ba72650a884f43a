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
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/dchest/siphash"
	"golang.org/x/sync/errgroup"
)

// maxFrame bounds a single exchanged payload. Reslice tiles are the
// largest frames on the wire and stay far below this.
const maxFrame = 1 << 38

// MeshConfig describes one rank of a TCP process group.
type MeshConfig struct {
	// Rank of this process; Peers[Rank] is its own listen address.
	Rank  int
	Peers []string
	// Key authenticates frames between peers; all ranks must agree.
	Key [16]byte
	// DialTimeout bounds connection establishment to each peer.
	// Zero means 30 seconds.
	DialTimeout time.Duration
}

// Dial connects the full mesh: every pair of ranks holds one TCP
// connection, established by the higher rank dialing the lower. It
// returns once connections to all peers are up, so a successful Dial
// doubles as a group barrier at startup.
func Dial(cfg MeshConfig) (Comm, error) {
	n := len(cfg.Peers)
	if cfg.Rank < 0 || cfg.Rank >= n {
		return nil, fmt.Errorf("comm: rank %d with %d peers", cfg.Rank, n)
	}
	if n == 1 {
		return Self(), nil
	}
	timeout := cfg.DialTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	m := &mesh{rank: cfg.Rank, n: n, conns: make([]net.Conn, n)}
	m.k0 = binary.LittleEndian.Uint64(cfg.Key[:8])
	m.k1 = binary.LittleEndian.Uint64(cfg.Key[8:])

	ln, err := net.Listen("tcp", cfg.Peers[cfg.Rank])
	if err != nil {
		return nil, fmt.Errorf("comm: listen %s: %w", cfg.Peers[cfg.Rank], err)
	}
	defer ln.Close()

	var eg errgroup.Group
	// accept from every higher rank
	eg.Go(func() error {
		for pending := n - 1 - cfg.Rank; pending > 0; pending-- {
			conn, err := ln.Accept()
			if err != nil {
				return fmt.Errorf("comm: accept: %w", err)
			}
			peer, err := m.readHello(conn)
			if err != nil {
				conn.Close()
				return err
			}
			if peer <= cfg.Rank || peer >= n || m.conns[peer] != nil {
				conn.Close()
				return fmt.Errorf("comm: unexpected hello from rank %d", peer)
			}
			m.conns[peer] = conn
		}
		return nil
	})
	// dial every lower rank
	for peer := 0; peer < cfg.Rank; peer++ {
		peer := peer
		eg.Go(func() error {
			deadline := time.Now().Add(timeout)
			for {
				conn, err := net.DialTimeout("tcp", cfg.Peers[peer], timeout)
				if err == nil {
					if err := m.writeHello(conn); err != nil {
						conn.Close()
						return err
					}
					m.conns[peer] = conn
					return nil
				}
				if time.Now().After(deadline) {
					return fmt.Errorf("comm: dial rank %d at %s: %w", peer, cfg.Peers[peer], err)
				}
				// the peer may simply not be listening yet
				time.Sleep(50 * time.Millisecond)
			}
		})
	}
	if err := eg.Wait(); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

type mesh struct {
	rank, n int
	k0, k1  uint64
	conns   []net.Conn
}

func (m *mesh) Rank() int { return m.rank }
func (m *mesh) Size() int { return m.n }

func (m *mesh) writeHello(conn net.Conn) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(m.rank))
	if _, err := conn.Write(buf[:]); err != nil {
		return fmt.Errorf("comm: hello: %w", err)
	}
	return nil
}

func (m *mesh) readHello(conn net.Conn) (int, error) {
	var buf [8]byte
	if _, err := io.ReadFull(conn, buf[:]); err != nil {
		return 0, fmt.Errorf("comm: hello: %w", err)
	}
	return int(binary.LittleEndian.Uint64(buf[:])), nil
}

// frame layout: u64 payload length, u64 siphash of payload, payload
func (m *mesh) writeFrame(conn net.Conn, payload []byte) error {
	var hdr [16]byte
	binary.LittleEndian.PutUint64(hdr[:8], uint64(len(payload)))
	binary.LittleEndian.PutUint64(hdr[8:], siphash.Hash(m.k0, m.k1, payload))
	if _, err := conn.Write(hdr[:]); err != nil {
		return err
	}
	_, err := conn.Write(payload)
	return err
}

func (m *mesh) readFrame(conn net.Conn) ([]byte, error) {
	var hdr [16]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint64(hdr[:8])
	if size > maxFrame {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, err
	}
	if got := siphash.Hash(m.k0, m.k1, payload); got != binary.LittleEndian.Uint64(hdr[8:]) {
		return nil, fmt.Errorf("frame checksum mismatch")
	}
	return payload, nil
}

func (m *mesh) Exchange(peer int, send []byte) ([]byte, error) {
	if peer < 0 || peer >= m.n {
		return nil, fmt.Errorf("comm: exchange with rank %d in a size-%d group", peer, m.n)
	}
	if peer == m.rank {
		out := make([]byte, len(send))
		copy(out, send)
		return out, nil
	}
	conn := m.conns[peer]
	var recv []byte
	var eg errgroup.Group
	eg.Go(func() error {
		if err := m.writeFrame(conn, send); err != nil {
			return fmt.Errorf("comm: send to rank %d: %w", peer, err)
		}
		return nil
	})
	eg.Go(func() error {
		var err error
		recv, err = m.readFrame(conn)
		if err != nil {
			return fmt.Errorf("comm: receive from rank %d: %w", peer, err)
		}
		return nil
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return recv, nil
}

func (m *mesh) AllToAll(parts [][]byte) ([][]byte, error) {
	if len(parts) != m.n {
		return nil, fmt.Errorf("comm: all-to-all with %d parts in a size-%d group", len(parts), m.n)
	}
	got := make([][]byte, m.n)
	for round := 0; round < m.n; round++ {
		peer := pairing(round, m.rank, m.n)
		var err error
		got[peer], err = m.Exchange(peer, parts[peer])
		if err != nil {
			return nil, err
		}
	}
	return got, nil
}

func (m *mesh) Barrier() error {
	parts := make([][]byte, m.n)
	_, err := m.AllToAll(parts)
	return err
}

func (m *mesh) Close() error {
	var first error
	for _, conn := range m.conns {
		if conn == nil {
			continue
		}
		if err := conn.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
