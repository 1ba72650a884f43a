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

// Package dtype names the element types that volumes can carry.
// All on-disk representations are little-endian.
package dtype

import "fmt"

// T identifies an element type.
type T uint8

const (
	Invalid T = iota
	Uint16
	Int32
	Float32
	Float64
)

// Size returns the width of one element in bytes.
func (t T) Size() int {
	switch t {
	case Uint16:
		return 2
	case Int32, Float32:
		return 4
	case Float64:
		return 8
	default:
		return 0
	}
}

func (t T) String() string {
	switch t {
	case Uint16:
		return "uint16"
	case Int32:
		return "int32"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	default:
		return fmt.Sprintf("dtype(%d)", uint8(t))
	}
}

// Parse converts the string spelling used in file directories and
// YAML back into a T.
func Parse(s string) (T, error) {
	switch s {
	case "uint16":
		return Uint16, nil
	case "int32":
		return Int32, nil
	case "float32":
		return Float32, nil
	case "float64":
		return Float64, nil
	default:
		return Invalid, fmt.Errorf("unknown dtype %q", s)
	}
}
