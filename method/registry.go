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

package method

import (
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/tomostream/tomostream/comm"
	"github.com/tomostream/tomostream/gpu"
)

// Context is handed to factories at construction time; it carries
// the process-wide collaborators a method may need.
type Context struct {
	Comm   comm.Comm
	Device *gpu.Device
	Logger log.Logger
}

// Factory builds a method wrapper from its pipeline parameters.
type Factory func(ctx Context, params map[string]any) (Wrapper, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

func key(modulePath, name string) string { return modulePath + "/" + name }

// Register installs a factory for module_path/name. Later
// registrations replace earlier ones.
func Register(modulePath, name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[key(modulePath, name)] = f
}

// Known reports whether a factory is registered.
func Known(modulePath, name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[key(modulePath, name)]
	return ok
}

// Names returns all registered module_path/name keys, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := maps.Keys(registry)
	slices.Sort(out)
	return out
}

// Make constructs a registered method.
func Make(ctx Context, modulePath, name string, params map[string]any) (Wrapper, error) {
	registryMu.RLock()
	f, ok := registry[key(modulePath, name)]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("method: no implementation registered for %s/%s", modulePath, name)
	}
	return f(ctx, params)
}
