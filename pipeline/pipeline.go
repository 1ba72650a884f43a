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

// Package pipeline models a declared processing pipeline: the loader
// stanza followed by an ordered list of methods, loaded from YAML and
// resolved against the method registry.
package pipeline

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"

	"github.com/tomostream/tomostream/loader"
	"github.com/tomostream/tomostream/method"
	"github.com/tomostream/tomostream/shape"
)

// LoaderMethodName is the only loader the pipeline file may declare.
const LoaderMethodName = "standard_tomo"

// Pipeline is a resolved pipeline. LoaderPattern and LoaderReslice
// start at the loader's declared pattern and are finalized by the
// sectionizer.
type Pipeline struct {
	LoaderConfig  loader.Config
	LoaderPattern shape.Pattern
	LoaderReslice bool
	Methods       []method.Wrapper
}

// entry is one YAML stanza.
type entry struct {
	Method     string         `json:"method"`
	ModulePath string         `json:"module_path"`
	Parameters map[string]any `json:"parameters"`
	SaveResult bool           `json:"save_result"`
}

// LoadFile reads and resolves a pipeline YAML file.
func LoadFile(path string, ctx method.Context) (*Pipeline, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	return Load(blob, ctx)
}

// Load resolves a pipeline from YAML bytes.
func Load(blob []byte, ctx method.Context) (*Pipeline, error) {
	entries, err := parse(blob)
	if err != nil {
		return nil, err
	}
	if errs := check(entries); len(errs) > 0 {
		return nil, fmt.Errorf("pipeline: %w", errs[0])
	}
	cfg, err := loaderConfig(entries[0])
	if err != nil {
		return nil, err
	}
	p := &Pipeline{LoaderConfig: cfg, LoaderPattern: shape.PatternProjection}
	for _, e := range entries[1:] {
		params := make(map[string]any, len(e.Parameters)+1)
		for k, v := range e.Parameters {
			params[k] = v
		}
		if e.SaveResult {
			params["save_result"] = true
		}
		m, err := method.Make(ctx, e.ModulePath, e.Method, params)
		if err != nil {
			return nil, fmt.Errorf("pipeline: %w", err)
		}
		p.Methods = append(p.Methods, m)
	}
	return p, nil
}

// Check validates a pipeline file without constructing it, returning
// every problem found.
func Check(blob []byte) []error {
	entries, err := parse(blob)
	if err != nil {
		return []error{err}
	}
	errs := check(entries)
	if len(errs) == 0 {
		if _, err := loaderConfig(entries[0]); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func parse(blob []byte) ([]entry, error) {
	var entries []entry
	if err := yaml.Unmarshal(blob, &entries); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	return entries, nil
}

func check(entries []entry) []error {
	var errs []error
	if len(entries) == 0 {
		return []error{fmt.Errorf("pipeline is empty")}
	}
	if entries[0].Method != LoaderMethodName {
		errs = append(errs, fmt.Errorf("first pipeline entry must be the %s loader, got %q",
			LoaderMethodName, entries[0].Method))
	}
	if len(entries) < 2 {
		errs = append(errs, fmt.Errorf("pipeline has no methods after the loader"))
	}
	for _, e := range entries[1:] {
		if e.Method == "" || e.ModulePath == "" {
			errs = append(errs, fmt.Errorf("method entry needs both method and module_path"))
			continue
		}
		if !method.Known(e.ModulePath, e.Method) {
			errs = append(errs, fmt.Errorf("unknown method %s/%s", e.ModulePath, e.Method))
		}
	}
	return errs
}

// loaderConfig translates the loader stanza's parameters.
func loaderConfig(e entry) (loader.Config, error) {
	var raw struct {
		InFile         string `json:"in_file"`
		DataPath       string `json:"data_path"`
		ImageKeyPath   string `json:"image_key_path"`
		RotationAngles struct {
			DataPath    string `json:"data_path"`
			UserDefined *struct {
				StartAngle  float64 `json:"start_angle"`
				StopAngle   float64 `json:"stop_angle"`
				AnglesTotal int     `json:"angles_total"`
			} `json:"user_defined"`
		} `json:"rotation_angles"`
		Darks   *refConfig `json:"darks"`
		Flats   *refConfig `json:"flats"`
		Preview struct {
			Angles    *dimRange `json:"angles"`
			DetectorY *dimRange `json:"detector_y"`
			DetectorX *dimRange `json:"detector_x"`
		} `json:"preview"`
	}
	blob, err := yaml.Marshal(e.Parameters)
	if err != nil {
		return loader.Config{}, fmt.Errorf("pipeline: loader parameters: %w", err)
	}
	if err := yaml.UnmarshalStrict(blob, &raw); err != nil {
		return loader.Config{}, fmt.Errorf("pipeline: loader parameters: %w", err)
	}
	if raw.InFile == "" || raw.DataPath == "" {
		return loader.Config{}, fmt.Errorf("pipeline: loader needs in_file and data_path")
	}
	cfg := loader.Config{
		InFile:       raw.InFile,
		DataPath:     raw.DataPath,
		ImageKeyPath: raw.ImageKeyPath,
	}
	if raw.RotationAngles.UserDefined != nil {
		u := raw.RotationAngles.UserDefined
		cfg.Angles = loader.UserDefinedAngles{StartDeg: u.StartAngle, StopDeg: u.StopAngle, Total: u.AnglesTotal}
	} else if raw.RotationAngles.DataPath != "" {
		cfg.Angles = loader.RawAngles{DataPath: raw.RotationAngles.DataPath}
	} else {
		return loader.Config{}, fmt.Errorf("pipeline: loader needs a rotation_angles source")
	}
	// reference fields default to the scan file itself
	cfg.Darks = refOrDefault(raw.Darks, cfg)
	cfg.Flats = refOrDefault(raw.Flats, cfg)
	cfg.Preview = loader.Preview{
		Angles:    rangeOrFull(raw.Preview.Angles),
		DetectorY: rangeOrFull(raw.Preview.DetectorY),
		DetectorX: rangeOrFull(raw.Preview.DetectorX),
	}
	return cfg, nil
}

type refConfig struct {
	File         string `json:"file"`
	DataPath     string `json:"data_path"`
	ImageKeyPath string `json:"image_key_path"`
}

type dimRange struct {
	Start int `json:"start"`
	Stop  int `json:"stop"`
}

func refOrDefault(r *refConfig, cfg loader.Config) loader.DarksFlatsConfig {
	if r == nil {
		if cfg.ImageKeyPath == "" {
			return loader.DarksFlatsConfig{}
		}
		return loader.DarksFlatsConfig{File: cfg.InFile, DataPath: cfg.DataPath, ImageKeyPath: cfg.ImageKeyPath}
	}
	out := loader.DarksFlatsConfig{File: r.File, DataPath: r.DataPath, ImageKeyPath: r.ImageKeyPath}
	if out.File == "" {
		out.File = cfg.InFile
	}
	if out.DataPath == "" {
		out.DataPath = cfg.DataPath
	}
	return out
}

func rangeOrFull(r *dimRange) loader.DimRange {
	if r == nil {
		return loader.DimRange{}
	}
	return loader.DimRange{Start: r.Start, Stop: r.Stop}
}
