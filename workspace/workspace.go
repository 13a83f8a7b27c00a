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

// Package workspace validates the directory layout and input files of a
// pipeline run before any stage is launched.
package workspace

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/grailbio/base/log"
	"github.com/grailbio/vartriage/fault"
	"golang.org/x/sys/unix"
)

// Default directory names, relative to the workspace root.
const (
	DefaultInputDir  = "input_data"
	DefaultOutputDir = "output_data"
	DefaultTempDir   = "temp_data"
)

// Config describes one pipeline workspace.  It is a value type; callers copy
// it rather than mutate a shared instance.
type Config struct {
	InputDir  string `yaml:"input_dir"`
	OutputDir string `yaml:"output_dir"`
	TempDir   string `yaml:"temp_dir"`
	// ReferencePath and AlignmentPath are resolved against InputDir when
	// relative.
	ReferencePath string `yaml:"reference"`
	AlignmentPath string `yaml:"alignment"`
}

// New returns the conventional layout rooted at dir.
func New(dir, reference, alignment string) Config {
	return Config{
		InputDir:      filepath.Join(dir, DefaultInputDir),
		OutputDir:     filepath.Join(dir, DefaultOutputDir),
		TempDir:       filepath.Join(dir, DefaultTempDir),
		ReferencePath: reference,
		AlignmentPath: alignment,
	}
}

// Reference returns the resolved reference FASTA path.
func (c Config) Reference() string { return c.resolve(c.ReferencePath) }

// Alignment returns the resolved alignment (BAM/CRAM) path.
func (c Config) Alignment() string { return c.resolve(c.AlignmentPath) }

func (c Config) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.InputDir, path)
}

// ValidateOpts controls optional checks in Validate.
type ValidateOpts struct {
	// CheckAlignmentHeader decodes the BAM header of the alignment file and,
	// when the reference has a .fai index, checks its contigs against it.
	CheckAlignmentHeader bool
}

// DefaultValidateOpts is the default for ValidateOpts.
var DefaultValidateOpts = ValidateOpts{
	CheckAlignmentHeader: true,
}

// Validate checks that the input directory and input files exist and are
// readable, and creates the output and temp directories when absent.  It
// never removes or overwrites anything.  Failures are *fault.ConfigError
// naming the offending path.
func Validate(cfg Config, opts ValidateOpts) error {
	if err := checkDir(cfg.InputDir, unix.R_OK|unix.X_OK); err != nil {
		return err
	}
	for _, dir := range []string{cfg.OutputDir, cfg.TempDir} {
		if dir == "" {
			return &fault.ConfigError{Kind: fault.MissingDirectory, Detail: "output and temp directories must be set"}
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			if os.IsPermission(err) {
				return &fault.ConfigError{Kind: fault.PermissionDenied, Path: dir, Err: err}
			}
			return &fault.ConfigError{Kind: fault.MissingDirectory, Path: dir, Err: err}
		}
		if err := checkDir(dir, unix.W_OK|unix.X_OK); err != nil {
			return err
		}
	}
	for _, path := range []string{cfg.Reference(), cfg.Alignment()} {
		if err := checkInput(path); err != nil {
			return err
		}
	}
	warnMissingIndex(cfg.Reference(), ".fai")
	if strings.HasSuffix(cfg.Alignment(), ".bam") {
		warnMissingIndex(cfg.Alignment(), ".bai")
		if opts.CheckAlignmentHeader {
			refs, err := checkBAMHeader(cfg.Alignment())
			if err != nil {
				return err
			}
			if err := checkReferenceContigs(cfg.Reference(), cfg.Alignment(), refs); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkDir(dir string, mode uint32) error {
	if dir == "" {
		return &fault.ConfigError{Kind: fault.MissingDirectory, Detail: "directory not set"}
	}
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsPermission(err) {
			return &fault.ConfigError{Kind: fault.PermissionDenied, Path: dir, Err: err}
		}
		return &fault.ConfigError{Kind: fault.MissingDirectory, Path: dir, Err: err}
	}
	if !info.IsDir() {
		return &fault.ConfigError{Kind: fault.MissingDirectory, Path: dir, Detail: "not a directory"}
	}
	if err := unix.Access(dir, mode); err != nil {
		return &fault.ConfigError{Kind: fault.PermissionDenied, Path: dir, Err: err}
	}
	return nil
}

func checkInput(path string) error {
	if path == "" {
		return &fault.ConfigError{Kind: fault.MissingInput, Detail: "input path not set"}
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsPermission(err) {
			return &fault.ConfigError{Kind: fault.PermissionDenied, Path: path, Err: err}
		}
		return &fault.ConfigError{Kind: fault.MissingInput, Path: path, Err: err}
	}
	if info.IsDir() {
		return &fault.ConfigError{Kind: fault.MissingInput, Path: path, Detail: "is a directory"}
	}
	if info.Size() == 0 {
		return &fault.ConfigError{Kind: fault.MissingInput, Path: path, Detail: "empty file"}
	}
	if err := unix.Access(path, unix.R_OK); err != nil {
		return &fault.ConfigError{Kind: fault.PermissionDenied, Path: path, Err: err}
	}
	return nil
}

func warnMissingIndex(path, suffix string) {
	if _, err := os.Stat(path + suffix); err != nil {
		log.Printf("workspace: %s%s not found; tools may rebuild or reject the index", path, suffix)
	}
}
