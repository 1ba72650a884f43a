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

package block

import "github.com/tomostream/tomostream/cube"

// AuxData bundles the per-scan auxiliary arrays: projection angles
// and the flat/dark reference fields. One AuxData is created per
// pipeline run and shared read-only by every block; it is never
// mutated after construction.
type AuxData struct {
	angles []float32 // radians
	darks  *cube.Cube
	flats  *cube.Cube
}

// NewAux builds the shared auxiliary bundle. darks and flats may be
// nil when the scan has no reference fields.
func NewAux(angles []float32, darks, flats *cube.Cube) *AuxData {
	return &AuxData{angles: angles, darks: darks, flats: flats}
}

// Angles returns the projection angles in radians. Callers must not
// modify the returned slice.
func (a *AuxData) Angles() []float32 { return a.angles }

// NAngles returns the number of projection angles.
func (a *AuxData) NAngles() int { return len(a.angles) }

// Darks returns the dark fields, or nil.
func (a *AuxData) Darks() *cube.Cube { return a.darks }

// Flats returns the flat fields, or nil.
func (a *AuxData) Flats() *cube.Cube { return a.flats }
