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

// Package gpu models the per-process accelerator as an arena with a
// fixed capacity. Blocks migrate into and out of the arena explicitly
// and the planner sizes sections against Available. The default arena
// is host memory with enforced accounting, so planning and transfer
// paths behave identically on machines without a device.
package gpu

import (
	"errors"
	"fmt"
	"sync"
)

// ErrOutOfDeviceMemory is returned by Alloc when the requested size
// does not fit the arena's remaining capacity.
var ErrOutOfDeviceMemory = errors.New("gpu: out of device memory")

// Device is a fixed-capacity buffer arena. The zero value is not
// usable; call New.
type Device struct {
	id       int
	capacity int64

	mu   sync.Mutex
	used int64
}

// New returns a device arena with the given id and capacity in bytes.
// ID -1 denotes the host arena used when no accelerator is
// configured; its behavior is identical.
func New(id int, capacity int64) *Device {
	return &Device{id: id, capacity: capacity}
}

// ID returns the configured device id, -1 for the host arena.
func (d *Device) ID() int { return d.id }

// Capacity returns the total arena capacity in bytes.
func (d *Device) Capacity() int64 { return d.capacity }

// Available returns the bytes not currently allocated.
func (d *Device) Available() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.capacity - d.used
}

// Buffer is a device-resident allocation.
type Buffer struct {
	dev  *Device
	data []byte
}

// Alloc reserves n bytes in the arena.
func (d *Device) Alloc(n int64) (*Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.used+n > d.capacity {
		return nil, fmt.Errorf("%w: need %d, %d of %d in use", ErrOutOfDeviceMemory, n, d.used, d.capacity)
	}
	d.used += n
	return &Buffer{dev: d, data: make([]byte, n)}, nil
}

// Free releases the buffer back to the arena. Freeing a released
// buffer is a no-op.
func (b *Buffer) Free() {
	if b.data == nil {
		return
	}
	b.dev.mu.Lock()
	b.dev.used -= int64(len(b.data))
	b.dev.mu.Unlock()
	b.data = nil
}

// Bytes returns the device-resident storage.
func (b *Buffer) Bytes() []byte { return b.data }

// Upload copies host memory into the buffer.
func (b *Buffer) Upload(src []byte) error {
	if len(src) != len(b.data) {
		return fmt.Errorf("gpu: upload of %d bytes into a %d byte buffer", len(src), len(b.data))
	}
	copy(b.data, src)
	return nil
}

// Download copies the buffer back into host memory.
func (b *Buffer) Download(dst []byte) error {
	if len(dst) != len(b.data) {
		return fmt.Errorf("gpu: download of %d bytes from a %d byte buffer", len(dst), len(b.data))
	}
	copy(dst, b.data)
	return nil
}
