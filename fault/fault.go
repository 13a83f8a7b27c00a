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

// Package fault defines the error taxonomy shared by the workspace, stage,
// pipeline and query packages, and the process exit code of each error kind.
package fault

import (
	"errors"
	"fmt"
	"strings"
)

// ConfigKind classifies a ConfigError.
type ConfigKind int

const (
	// MissingInput means a declared input file is absent or empty.
	MissingInput ConfigKind = iota
	// MissingDirectory means a declared directory does not exist.
	MissingDirectory
	// PermissionDenied means a path exists but cannot be read or written.
	PermissionDenied
	// DependencyMismatch means a stage does not consume its predecessor's output.
	DependencyMismatch
	// StaleResume means a skipped stage's output cannot be trusted on resume.
	StaleResume
	// MalformedInput means an input file exists but its contents are unusable.
	MalformedInput
	// Locked means another run holds the workspace lock.
	Locked
)

var configKindNames = [...]string{
	MissingInput:       "MissingInput",
	MissingDirectory:   "MissingDirectory",
	PermissionDenied:   "PermissionDenied",
	DependencyMismatch: "DependencyMismatch",
	StaleResume:        "StaleResume",
	MalformedInput:     "MalformedInput",
	Locked:             "Locked",
}

func (k ConfigKind) String() string {
	if int(k) < 0 || int(k) >= len(configKindNames) {
		return fmt.Sprintf("ConfigKind(%d)", int(k))
	}
	return configKindNames[k]
}

// ConfigError reports a precondition that failed before any stage ran.
type ConfigError struct {
	Kind ConfigKind
	// Path is the offending file or directory, if any.
	Path string
	// Stage is the offending stage name, if any.
	Stage  string
	Detail string
	Err    error
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "config error %v", e.Kind)
	if e.Stage != "" {
		fmt.Fprintf(&b, " stage %s", e.Stage)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " path %s", e.Path)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ConfigError) Unwrap() error { return e.Err }

// StageKind classifies a StageError.
type StageKind int

const (
	// ToolFailure means the tool exited with a nonzero status.
	ToolFailure StageKind = iota
	// Timeout means the tool exceeded its time limit and was killed.
	Timeout
	// OutputMissing means the tool exited 0 without producing its output.
	OutputMissing
	// Cancelled means the run was cancelled while the tool was running.
	Cancelled
)

var stageKindNames = [...]string{
	ToolFailure:   "ToolFailure",
	Timeout:       "Timeout",
	OutputMissing: "OutputMissing",
	Cancelled:     "Cancelled",
}

func (k StageKind) String() string {
	if int(k) < 0 || int(k) >= len(stageKindNames) {
		return fmt.Sprintf("StageKind(%d)", int(k))
	}
	return stageKindNames[k]
}

// StageError reports a failed stage execution.
type StageError struct {
	Kind  StageKind
	Stage string
	// ExitCode is the process exit status; -1 if the process never started or
	// was killed by a signal.
	ExitCode int
	// Path is the declared output path.
	Path string
	// LogTail holds the last bytes of the tool's log.
	LogTail []byte
	Err     error
}

func (e *StageError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "stage %s: %v", e.Stage, e.Kind)
	switch e.Kind {
	case ToolFailure:
		fmt.Fprintf(&b, " (exit code %d)", e.ExitCode)
	case OutputMissing:
		fmt.Fprintf(&b, " (%s absent or empty)", e.Path)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if len(e.LogTail) > 0 {
		b.WriteString("\n--- log tail ---\n")
		b.Write(e.LogTail)
	}
	return b.String()
}

func (e *StageError) Unwrap() error { return e.Err }

// QueryKind classifies a QueryError.
type QueryKind int

const (
	// UnreadableFile means the variant file could not be opened or read.
	UnreadableFile QueryKind = iota
)

func (k QueryKind) String() string {
	if k == UnreadableFile {
		return "UnreadableFile"
	}
	return fmt.Sprintf("QueryKind(%d)", int(k))
}

// QueryError reports a variant file that could not be queried. Malformed
// lines are never QueryErrors.
type QueryError struct {
	Kind QueryKind
	Path string
	Err  error
}

func (e *QueryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("query error %v path %s: %v", e.Kind, e.Path, e.Err)
	}
	return fmt.Sprintf("query error %v path %s", e.Kind, e.Path)
}

func (e *QueryError) Unwrap() error { return e.Err }

// ExitCode maps err to a distinct process exit status per error kind. A nil
// error maps to 0 and an unclassified error to 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ce *ConfigError
	if errors.As(err, &ce) {
		return 10 + int(ce.Kind)
	}
	var se *StageError
	if errors.As(err, &se) {
		return 20 + int(se.Kind)
	}
	var qe *QueryError
	if errors.As(err, &qe) {
		return 30 + int(qe.Kind)
	}
	return 1
}

// IsConfig reports whether err is a ConfigError of the given kind.
func IsConfig(err error, kind ConfigKind) bool {
	var ce *ConfigError
	return errors.As(err, &ce) && ce.Kind == kind
}

// IsStage reports whether err is a StageError of the given kind.
func IsStage(err error, kind StageKind) bool {
	var se *StageError
	return errors.As(err, &se) && se.Kind == kind
}
