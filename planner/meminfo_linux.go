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

//go:build linux

package planner

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// HostMemory returns the total usable DRAM in bytes, read from
// /proc/meminfo. It returns 0 when the value cannot be determined;
// callers fall back to explicit configuration then.
func HostMemory() int64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		var kb int64
		if _, err := fmt.Sscanf(line, "MemTotal: %d kB", &kb); err != nil {
			return 0
		}
		return kb * 1024
	}
	return 0
}
