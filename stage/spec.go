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

// Package stage runs a single external tool (variant caller, annotator) as a
// subprocess with declared inputs and a declared output, and classifies how
// it ended.
package stage

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Resources are scheduling hints passed to the tool or its container.
type Resources struct {
	// GPUs is the number of accelerators requested; 0 requests none.
	GPUs int `yaml:"gpus"`
}

// Container runs a stage's command inside an image instead of on the host.
type Container struct {
	// Runtime is the container CLI, e.g. "docker" or "podman".
	Runtime string `yaml:"runtime"`
	Image   string `yaml:"image"`
	// ExtraArgs are passed to "<runtime> run" before the image name.
	ExtraArgs []string `yaml:"extra_args"`
}

// Mount is a host directory made visible inside a stage's container at the
// same path.
type Mount struct {
	Path     string
	ReadOnly bool
}

// Spec describes one external tool invocation.  Specs are built once by the
// pipeline configuration layer and not modified afterwards.
type Spec struct {
	Name string
	// Command is the tool argv with all variables already expanded.
	Command []string
	// Inputs are the files the tool reads.  When the stage runs in a
	// container, inputs outside every mount are bound read-only.
	Inputs []string
	// Output is the file the tool must produce.
	Output string
	// StdoutToOutput sends the tool's stdout to Output; the log then only
	// receives stderr.  Annotators such as snpEff write VCF to stdout.
	StdoutToOutput bool
	// Env holds extra KEY=VALUE entries appended to the runner's environment.
	Env []string
	// Dir is the working directory; empty means the runner's.
	Dir       string
	Resources Resources
	Container *Container
	// Mounts are the directories bound into the container, typically the
	// workspace's input (read-only), output and temp directories.  Sidecar
	// files such as indexes are only visible through a mount.
	Mounts []Mount
	// Timeout overrides the runner's timeout when nonzero.
	Timeout time.Duration
}

// Argv returns the argv actually executed: Command, wrapped in a
// "<runtime> run" invocation when the stage has a Container.
func (s Spec) Argv() []string {
	if s.Container == nil {
		return append([]string(nil), s.Command...)
	}
	c := s.Container
	argv := []string{c.Runtime, "run", "--rm"}
	if s.Resources.GPUs > 0 {
		argv = append(argv, "--gpus", strconv.Itoa(s.Resources.GPUs))
	}
	var bound []Mount
	bind := func(path string, readOnly bool) {
		for _, b := range bound {
			if within(path, b.Path) && (readOnly || !b.ReadOnly) {
				return
			}
		}
		bound = append(bound, Mount{path, readOnly})
		mode := "rw"
		if readOnly {
			mode = "ro"
		}
		argv = append(argv, "-v", bindArg(path, mode))
	}
	for _, m := range s.Mounts {
		bind(filepath.Clean(m.Path), m.ReadOnly)
	}
	for _, in := range s.Inputs {
		bind(filepath.Clean(in), true)
	}
	if s.Output != "" {
		bind(filepath.Dir(s.Output), false)
	}
	if s.Dir != "" {
		argv = append(argv, "-w", s.Dir)
	}
	env := append([]string(nil), s.Env...)
	sort.Strings(env)
	for _, kv := range env {
		argv = append(argv, "-e", kv)
	}
	argv = append(argv, c.ExtraArgs...)
	argv = append(argv, c.Image)
	return append(argv, s.Command...)
}

// within reports whether path is dir or lies below it.
func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, "../")
}

func bindArg(path, mode string) string {
	return fmt.Sprintf("%s:%s:%s", path, path, mode)
}

// Validate checks that s is complete enough to run.
func (s Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("stage: spec has no name")
	}
	if len(s.Command) == 0 {
		return fmt.Errorf("stage %s: empty command", s.Name)
	}
	if s.Output == "" {
		return fmt.Errorf("stage %s: no declared output", s.Name)
	}
	if s.Container != nil && (s.Container.Runtime == "" || s.Container.Image == "") {
		return fmt.Errorf("stage %s: container needs both runtime and image", s.Name)
	}
	return nil
}
