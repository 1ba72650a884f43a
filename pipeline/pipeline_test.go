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

package pipeline

import (
	"strings"
	"testing"

	"github.com/tomostream/tomostream/comm"
	"github.com/tomostream/tomostream/loader"
	"github.com/tomostream/tomostream/method"
	_ "github.com/tomostream/tomostream/methods"
	"github.com/tomostream/tomostream/shape"
)

const goodYAML = `
- method: standard_tomo
  module_path: tomostream.loaders
  parameters:
    in_file: /data/scan.tsv
    data_path: data
    image_key_path: image_key
    rotation_angles:
      data_path: angles
    preview:
      detector_y:
        start: 2
        stop: 10
- method: normalize
  module_path: tomostream.prep.normalize
  parameters:
    minus_log: true
  save_result: true
- method: rescale_to_int
  module_path: tomostream.misc.rescale
  parameters:
    bits: 16
`

func TestLoadResolvesPipeline(t *testing.T) {
	p, err := Load([]byte(goodYAML), method.Context{Comm: comm.Self()})
	if err != nil {
		t.Fatal(err)
	}
	if p.LoaderPattern != shape.PatternProjection {
		t.Errorf("loader pattern %s", p.LoaderPattern)
	}
	if len(p.Methods) != 2 {
		t.Fatalf("%d methods", len(p.Methods))
	}
	if p.Methods[0].MethodName() != "normalize" || !p.Methods[0].SaveResult() {
		t.Errorf("method 0: %s save=%v", p.Methods[0].MethodName(), p.Methods[0].SaveResult())
	}
	if v, ok := p.Methods[0].Param("minus_log"); !ok || v != true {
		t.Errorf("minus_log param %v %v", v, ok)
	}
	if p.Methods[1].SaveResult() {
		t.Error("rescale should not save")
	}

	cfg := p.LoaderConfig
	if cfg.InFile != "/data/scan.tsv" || cfg.DataPath != "data" {
		t.Errorf("loader config %+v", cfg)
	}
	if _, ok := cfg.Angles.(loader.RawAngles); !ok {
		t.Errorf("angles config %T", cfg.Angles)
	}
	if cfg.Preview.DetectorY != (loader.DimRange{Start: 2, Stop: 10}) {
		t.Errorf("detector_y preview %+v", cfg.Preview.DetectorY)
	}
	// unset previews mean the full axis
	if cfg.Preview.Angles != (loader.DimRange{}) {
		t.Errorf("angles preview %+v", cfg.Preview.Angles)
	}
	// darks/flats default to the scan file with its image key
	if cfg.Darks.File != cfg.InFile || cfg.Darks.ImageKeyPath != "image_key" {
		t.Errorf("darks config %+v", cfg.Darks)
	}
}

func TestLoadUserDefinedAngles(t *testing.T) {
	yml := `
- method: standard_tomo
  module_path: tomostream.loaders
  parameters:
    in_file: /data/scan.tsv
    data_path: data
    rotation_angles:
      user_defined:
        start_angle: 0
        stop_angle: 180
        angles_total: 724
- method: minus_log
  module_path: tomostream.prep.normalize
`
	p, err := Load([]byte(yml), method.Context{Comm: comm.Self()})
	if err != nil {
		t.Fatal(err)
	}
	u, ok := p.LoaderConfig.Angles.(loader.UserDefinedAngles)
	if !ok {
		t.Fatalf("angles config %T", p.LoaderConfig.Angles)
	}
	if u.StartDeg != 0 || u.StopDeg != 180 || u.Total != 724 {
		t.Errorf("angles %+v", u)
	}
}

func TestCheckReportsProblems(t *testing.T) {
	tests := []struct {
		name string
		yml  string
		want string
	}{
		{"empty", ``, "empty"},
		{"no loader first", "- method: normalize\n  module_path: tomostream.prep.normalize\n", "first pipeline entry"},
		{"unknown method", `
- method: standard_tomo
  module_path: tomostream.loaders
  parameters:
    in_file: /x
    data_path: data
    rotation_angles:
      data_path: angles
- method: no_such_method
  module_path: tomostream.prep.normalize
`, "unknown method"},
		{"missing angles", `
- method: standard_tomo
  module_path: tomostream.loaders
  parameters:
    in_file: /x
    data_path: data
- method: minus_log
  module_path: tomostream.prep.normalize
`, "rotation_angles"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			errs := Check([]byte(tc.yml))
			if len(errs) == 0 {
				t.Fatal("no problems reported")
			}
			found := false
			for _, err := range errs {
				if strings.Contains(err.Error(), tc.want) {
					found = true
				}
			}
			if !found {
				t.Errorf("no error mentioning %q in %v", tc.want, errs)
			}
		})
	}
}

func TestCheckAcceptsGoodPipeline(t *testing.T) {
	if errs := Check([]byte(goodYAML)); len(errs) != 0 {
		t.Errorf("unexpected problems: %v", errs)
	}
}
