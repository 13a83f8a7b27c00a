// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pipeline sequences stages (variant calling, then annotation) so that
// each stage consumes its predecessor's output.  Execution is strictly
// sequential and fail-fast, and a run can resume from any stage whose
// predecessors' outputs are still present.
//
// Every execution returns its stage results explicitly and, when a history
// path is configured, appends them to a TSV run history.
package pipeline

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/vartriage/fault"
	"github.com/grailbio/vartriage/stage"
	"github.com/minio/highwayhash"
)

// Opts controls an Orchestrator.
type Opts struct {
	// Timeout bounds each stage whose spec has no timeout of its own; 0 means
	// no limit.
	Timeout time.Duration
	// HistoryPath is the run history file; empty disables history.
	HistoryPath string
	// VerifyDigest makes resume compare each skipped stage's output with the
	// digest recorded by the run that produced it.
	VerifyDigest bool
}

// DefaultOpts is the default for Opts: no timeout and no history.
var DefaultOpts = Opts{}

// Orchestrator runs an ordered, dependency-checked list of stages.
type Orchestrator struct {
	stages []stage.Spec
	runner stage.Runner
	opts   Opts
}

// New checks the stage list and returns an Orchestrator for it.  Stage N
// must list stage N-1's output among its inputs; otherwise New fails with a
// *fault.ConfigError of kind DependencyMismatch before anything runs.
func New(stages []stage.Spec, runner stage.Runner, opts Opts) (*Orchestrator, error) {
	if len(stages) == 0 {
		return nil, errors.E(errors.Invalid, "pipeline: no stages")
	}
	names := map[string]bool{}
	for i, s := range stages {
		if err := s.Validate(); err != nil {
			return nil, errors.E(errors.Invalid, err)
		}
		if names[s.Name] {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("pipeline: duplicate stage name %q", s.Name))
		}
		names[s.Name] = true
		if i == 0 {
			continue
		}
		prev := stages[i-1]
		if !containsPath(s.Inputs, prev.Output) {
			return nil, &fault.ConfigError{
				Kind:   fault.DependencyMismatch,
				Stage:  s.Name,
				Path:   prev.Output,
				Detail: fmt.Sprintf("inputs %v do not include the output of stage %s", s.Inputs, prev.Name),
			}
		}
	}
	return &Orchestrator{
		stages: append([]stage.Spec(nil), stages...),
		runner: runner,
		opts:   opts,
	}, nil
}

func containsPath(paths []string, path string) bool {
	want := filepath.Clean(path)
	for _, p := range paths {
		if filepath.Clean(p) == want {
			return true
		}
	}
	return false
}

// Stages returns a copy of the stage list.
func (o *Orchestrator) Stages() []stage.Spec {
	return append([]stage.Spec(nil), o.stages...)
}

// Index returns the position of the named stage, or -1.
func (o *Orchestrator) Index(name string) int {
	for i, s := range o.stages {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// Execute runs the stages in order starting at resumeFrom (0 runs all).
// Stages before resumeFrom are not run; their outputs must be present and
// non-empty, otherwise Execute fails with StaleResume before running
// anything.  On the first stage failure Execute stops and returns the results
// so far, the last of which carries the failure, together with that error.
func (o *Orchestrator) Execute(ctx context.Context, resumeFrom int) ([]stage.Result, error) {
	if resumeFrom < 0 || resumeFrom >= len(o.stages) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("pipeline: resume index %d out of range [0,%d)", resumeFrom, len(o.stages)))
	}
	if err := o.checkExternalInputs(resumeFrom); err != nil {
		return nil, err
	}
	// Recorded digests only matter when a skipped stage is verified.
	var history []HistoryEntry
	if o.opts.HistoryPath != "" && o.opts.VerifyDigest && resumeFrom > 0 {
		var err error
		if history, err = ReadHistory(ctx, o.opts.HistoryPath); err != nil {
			return nil, &fault.ConfigError{Kind: fault.StaleResume, Path: o.opts.HistoryPath, Detail: "cannot verify digests", Err: err}
		}
	}
	results := make([]stage.Result, 0, len(o.stages))
	for i := 0; i < resumeFrom; i++ {
		r, err := o.verifySkipped(ctx, o.stages[i], history)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}

	runID := uuid.NewString()
	log.Printf("pipeline: run %s: %d stage(s), resuming from %s", runID, len(o.stages), o.stages[resumeFrom].Name)
	for i := 0; i < resumeFrom; i++ {
		o.record(ctx, runID, o.stages[i], results[i])
	}
	for _, spec := range o.stages[resumeFrom:] {
		r := o.runner.Run(ctx, spec, o.opts.Timeout)
		results = append(results, r)
		o.record(ctx, runID, spec, r)
		if r.Status == stage.Failed {
			err := r.Err
			if err == nil {
				err = &fault.StageError{Kind: fault.ToolFailure, Stage: spec.Name, ExitCode: r.ExitCode, LogTail: r.LogTail}
			}
			log.Error.Printf("pipeline: run %s halted at stage %s", runID, spec.Name)
			return results, err
		}
	}
	log.Printf("pipeline: run %s done", runID)
	return results, nil
}

// checkExternalInputs makes sure every input that no earlier stage produces
// exists, for stages that are about to run.
func (o *Orchestrator) checkExternalInputs(resumeFrom int) error {
	produced := map[string]bool{}
	for i, s := range o.stages {
		if i >= resumeFrom {
			for _, in := range s.Inputs {
				if !produced[filepath.Clean(in)] && !stage.NonEmpty(in) {
					return &fault.ConfigError{Kind: fault.MissingInput, Stage: s.Name, Path: in}
				}
			}
		}
		produced[filepath.Clean(s.Output)] = true
	}
	return nil
}

func (o *Orchestrator) verifySkipped(ctx context.Context, spec stage.Spec, history []HistoryEntry) (stage.Result, error) {
	if !stage.NonEmpty(spec.Output) {
		return stage.Result{}, &fault.ConfigError{
			Kind:   fault.StaleResume,
			Stage:  spec.Name,
			Path:   spec.Output,
			Detail: "output of skipped stage is absent or empty",
		}
	}
	r := stage.Result{Name: spec.Name, Status: stage.Skipped, OutputPath: spec.Output}
	if !o.opts.VerifyDigest {
		return r, nil
	}
	digest, err := stage.Digest(ctx, spec.Output)
	if err != nil {
		return stage.Result{}, &fault.ConfigError{Kind: fault.StaleResume, Stage: spec.Name, Path: spec.Output, Err: err}
	}
	r.Digest = digest
	if prev, ok := lastSucceeded(history, spec.Name, spec.Output); ok && prev.Digest != "" && prev.Digest != digest {
		return stage.Result{}, &fault.ConfigError{
			Kind:   fault.StaleResume,
			Stage:  spec.Name,
			Path:   spec.Output,
			Detail: fmt.Sprintf("output changed since run %s (digest %s, now %s)", prev.RunID, prev.Digest, digest),
		}
	}
	return r, nil
}

// record appends r to the run history.  History failures are logged but do
// not fail the run.
func (o *Orchestrator) record(ctx context.Context, runID string, spec stage.Spec, r stage.Result) {
	if o.opts.HistoryPath == "" {
		return
	}
	if err := appendHistory(ctx, o.opts.HistoryPath, newHistoryEntry(runID, spec, r)); err != nil {
		log.Error.Printf("pipeline: run %s: %v", runID, err)
	}
}

var fingerprintKey [32]byte

// Fingerprint identifies a stage's rendered invocation: argv, inputs and
// output.  Two runs with the same fingerprint ran the same command.
func Fingerprint(spec stage.Spec) string {
	var buf []byte
	add := func(s string) {
		var n [binary.MaxVarintLen64]byte
		buf = append(buf, n[:binary.PutUvarint(n[:], uint64(len(s)))]...)
		buf = append(buf, s...)
	}
	for _, a := range spec.Argv() {
		add(a)
	}
	add("")
	for _, in := range spec.Inputs {
		add(in)
	}
	add(spec.Output)
	return fmt.Sprintf("%016x", highwayhash.Sum64(buf, fingerprintKey[:]))
}
