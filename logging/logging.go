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

// Package logging builds the process logger. Output is logfmt; the
// rank is attached by callers that know their communicator.
package logging

import (
	"io"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// New returns a leveled logfmt logger writing to w. Debug records are
// dropped unless verbose is set.
func New(w io.Writer, verbose bool) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(w))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	opt := level.AllowInfo()
	if verbose {
		opt = level.AllowDebug()
	}
	return level.NewFilter(logger, opt)
}

// WithRank attaches the process rank to every record.
func WithRank(logger log.Logger, rank int) log.Logger {
	return log.With(logger, "rank", rank)
}
