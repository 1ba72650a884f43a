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

// Command tomostream runs a tomographic processing pipeline over one
// process's chunk of a scan. Multi-process runs start the same
// command on every host with -peers and a distinct -rank.
//
// Usage:
//
//	tomostream run -pipeline pipe.yaml -out outdir [options]
//	tomostream check -pipeline pipe.yaml
package main

import (
	"crypto/sha256"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/tomostream/tomostream/comm"
	"github.com/tomostream/tomostream/config"
	"github.com/tomostream/tomostream/logging"
	"github.com/tomostream/tomostream/method"
	_ "github.com/tomostream/tomostream/methods"
	"github.com/tomostream/tomostream/pipeline"
	"github.com/tomostream/tomostream/runner"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:])
	case "check":
		checkCmd(os.Args[2:])
	default:
		usage()
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s {run|check} -pipeline <file> [options]\n", os.Args[0])
	os.Exit(2)
}

func checkCmd(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	pipefile := fs.String("pipeline", "", "pipeline YAML file")
	fs.Parse(args)
	if *pipefile == "" {
		fs.Usage()
		os.Exit(2)
	}
	blob, err := os.ReadFile(*pipefile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	errs := pipeline.Check(blob)
	for _, err := range errs {
		fmt.Fprintf(os.Stderr, "%s: %v\n", *pipefile, err)
	}
	if len(errs) > 0 {
		os.Exit(1)
	}
	fmt.Printf("%s: ok\n", *pipefile)
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	var (
		pipefile  = fs.String("pipeline", "", "pipeline YAML file")
		out       = fs.String("out", ".", "output directory for intermediate files")
		tmp       = fs.String("tmp", os.TempDir(), "scratch directory for spilled stores")
		gpuID     = fs.Int("gpu-id", -1, "gpu device id (-1: none)")
		gpuMem    = fs.Int64("gpu-mem", 4<<30, "gpu memory budget in bytes")
		cpuSlices = fs.Int("max-cpu-slices", 64, "block length cap for CPU sections")
		fpc       = fs.Int("frames-per-chunk", 1, "chunk width of persisted files along the slicing dim")
		compress  = fs.Bool("compress", false, "compress persisted intermediate files")
		saveAll   = fs.Bool("save-all", false, "persist the output of every section")
		memLimit  = fs.Int64("mem-limit", 0, "in-memory store cap in bytes (0: no cap)")
		peers     = fs.String("peers", "", "comma-separated listen addresses of all ranks")
		rank      = fs.Int("rank", 0, "this process's rank within -peers")
		secret    = fs.String("secret", "", "shared secret authenticating peer traffic")
		verbose   = fs.Bool("v", false, "debug logging")
	)
	fs.Parse(args)
	if *pipefile == "" {
		fs.Usage()
		os.Exit(2)
	}
	logger := logging.New(os.Stderr, *verbose)

	c, err := dial(*peers, *rank, *secret)
	if err != nil {
		level.Error(logger).Log("msg", "connecting process group failed", "err", err)
		os.Exit(1)
	}
	defer c.Close()
	logger = logging.WithRank(logger, c.Rank())

	runDir, err := makeRunDir(c, *out)
	if err != nil {
		level.Error(logger).Log("msg", "creating run directory failed", "err", err)
		os.Exit(1)
	}
	level.Info(logger).Log("msg", "starting run", "pipeline", *pipefile, "out", runDir,
		"ranks", c.Size())

	cfg := config.Config{
		RunOutDir:            runDir,
		GPUID:                *gpuID,
		GPUMemoryBytes:       *gpuMem,
		MaxCPUSlices:         *cpuSlices,
		FramesPerChunk:       *fpc,
		CompressIntermediate: *compress,
		SaveAll:              *saveAll,
		MemoryLimitBytes:     *memLimit,
		TempDir:              *tmp,
	}
	pipe, err := pipeline.LoadFile(*pipefile, method.Context{Comm: c, Logger: logger})
	if err != nil {
		level.Error(logger).Log("msg", "loading pipeline failed", "err", err)
		os.Exit(1)
	}
	if err := runner.New(cfg, c, logger, nil).Execute(pipe); err != nil {
		level.Error(logger).Log("msg", "pipeline failed", "err", err)
		os.Exit(1)
	}
	level.Info(logger).Log("msg", "pipeline finished", "out", runDir)
}

func dial(peers string, rank int, secret string) (comm.Comm, error) {
	if peers == "" {
		return comm.Self(), nil
	}
	list := strings.Split(peers, ",")
	var key [16]byte
	sum := sha256.Sum256([]byte(secret))
	copy(key[:], sum[:16])
	return comm.Dial(comm.MeshConfig{Rank: rank, Peers: list, Key: key})
}

// makeRunDir creates a fresh directory under out, named by rank 0 so
// all ranks agree.
func makeRunDir(c comm.Comm, out string) (string, error) {
	var name []byte
	if c.Rank() == 0 {
		name = []byte("run-" + uuid.NewString())
	}
	name, err := comm.Broadcast(c, name)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(out, string(name))
	if c.Rank() == 0 {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", err
		}
	}
	if err := c.Barrier(); err != nil {
		return "", err
	}
	return dir, nil
}
