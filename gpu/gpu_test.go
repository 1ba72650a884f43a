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

package gpu

import (
	"errors"
	"testing"
)

func TestAllocAccounting(t *testing.T) {
	d := New(0, 100)
	if d.Available() != 100 {
		t.Fatalf("available %d", d.Available())
	}
	a, err := d.Alloc(60)
	if err != nil {
		t.Fatal(err)
	}
	if d.Available() != 40 {
		t.Errorf("available %d after alloc", d.Available())
	}
	if _, err := d.Alloc(41); !errors.Is(err, ErrOutOfDeviceMemory) {
		t.Errorf("overcommit: %v", err)
	}
	a.Free()
	a.Free() // double free is a no-op
	if d.Available() != 100 {
		t.Errorf("available %d after free", d.Available())
	}
}

func TestUploadDownload(t *testing.T) {
	d := New(1, 1024)
	b, err := d.Alloc(4)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Free()
	if err := b.Upload([]byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	dst := make([]byte, 4)
	if err := b.Download(dst); err != nil {
		t.Fatal(err)
	}
	for i, v := range dst {
		if v != byte(i+1) {
			t.Fatalf("dst %v", dst)
		}
	}
	if err := b.Upload(make([]byte, 5)); err == nil {
		t.Error("size mismatch on upload did not fail")
	}
}
