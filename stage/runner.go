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
package stage

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/vartriage/fault"
	"golang.org/x/sys/unix"
	"v.io/x/lib/lookpath"
)

// ExecRunner runs stages as local subprocesses.
type ExecRunner struct {
	// LogDir receives one <stage>.log file per run holding the full log.
	// Empty disables log files; the in-memory tail is always kept.
	LogDir string
	// LogTailBytes bounds the in-memory log tail.
	LogTailBytes int
	// KillGrace is the time between SIGTERM and SIGKILL when a stage is
	// stopped.
	KillGrace time.Duration
	// Env is the base environment; nil means os.Environ().
	Env []string
}

// DefaultExecRunner is the default for ExecRunner.
var DefaultExecRunner = ExecRunner{
	LogTailBytes: DefaultLogTailBytes,
	KillGrace:    10 * time.Second,
}

func (r *ExecRunner) environ(spec Spec) []string {
	env := r.Env
	if env == nil {
		env = os.Environ()
	}
	return append(append([]string(nil), env...), spec.Env...)
}

func envMap(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

// Run launches spec's process and waits for it to exit, time out, or be
// cancelled through ctx.  A stale output left by an earlier run is removed
// before launch.  On every exit path the process group is reaped and the log
// file closed.  Run never retries.
func (r *ExecRunner) Run(ctx context.Context, spec Spec, timeout time.Duration) (result Result) {
	result = Result{Name: spec.Name, Status: Failed, ExitCode: -1, Started: time.Now()}
	defer func() {
		result.Duration = time.Since(result.Started)
		if result.Err != nil {
			log.Error.Printf("stage %s: %v", spec.Name, result.Err)
		} else {
			log.Printf("stage %s: %v in %v, output %s", spec.Name, result.Status, result.Duration, result.OutputPath)
		}
	}()
	fail := func(kind fault.StageKind, err error) Result {
		result.Err = &fault.StageError{
			Kind:     kind,
			Stage:    spec.Name,
			ExitCode: result.ExitCode,
			Path:     spec.Output,
			LogTail:  result.LogTail,
			Err:      err,
		}
		if NonEmpty(spec.Output) {
			// Partial output stays for the caller to inspect.
			result.OutputPath = spec.Output
		}
		return result
	}
	if err := spec.Validate(); err != nil {
		return fail(fault.ToolFailure, err)
	}
	if spec.Timeout > 0 {
		timeout = spec.Timeout
	}
	if err := ctx.Err(); err != nil {
		return fail(fault.Cancelled, err)
	}

	argv := spec.Argv()
	env := r.environ(spec)
	bin, err := lookpath.Look(envMap(env), argv[0])
	if err != nil {
		return fail(fault.ToolFailure, errors.E(err, "resolve executable", argv[0]))
	}
	if err := os.Remove(spec.Output); err != nil && !os.IsNotExist(err) {
		return fail(fault.ToolFailure, errors.E(err, "remove stale output", spec.Output))
	}
	if err := os.MkdirAll(filepath.Dir(spec.Output), 0755); err != nil {
		return fail(fault.ToolFailure, errors.E(err, "create output directory"))
	}

	tail := newTailBuffer(r.LogTailBytes)
	var logw io.Writer = tail
	var logFile file.File
	if r.LogDir != "" {
		logPath := filepath.Join(r.LogDir, spec.Name+".log")
		if logFile, err = file.Create(ctx, logPath); err != nil {
			return fail(fault.ToolFailure, errors.E(err, "create log", logPath))
		}
		logw = io.MultiWriter(tail, logFile.Writer(ctx))
	}
	var errs errors.Once
	defer func() {
		if logFile != nil {
			// The log may be closed after cancellation of ctx.
			errs.Set(logFile.Close(context.Background()))
		}
		if err := errs.Err(); err != nil {
			log.Error.Printf("stage %s: log: %v", spec.Name, err)
		}
	}()

	cmd := exec.Command(bin, argv[1:]...)
	cmd.Args[0] = argv[0]
	cmd.Env = env
	cmd.Dir = spec.Dir
	cmd.Stderr = logw
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	var stdout *os.File
	if spec.StdoutToOutput {
		if stdout, err = os.Create(spec.Output); err != nil {
			return fail(fault.ToolFailure, errors.E(err, "create output", spec.Output))
		}
		cmd.Stdout = stdout
	} else {
		cmd.Stdout = logw
	}

	log.Printf("stage %s: running %s", spec.Name, strings.Join(argv, " "))
	if err := cmd.Start(); err != nil {
		if stdout != nil {
			errs.Set(stdout.Close())
		}
		return fail(fault.ToolFailure, errors.E(err, "start", argv[0]))
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	var (
		waitErr  error
		stopKind = fault.StageKind(-1)
	)
	select {
	case waitErr = <-done:
	case <-timer:
		stopKind = fault.Timeout
		waitErr = r.stop(cmd, done)
	case <-ctx.Done():
		stopKind = fault.Cancelled
		waitErr = r.stop(cmd, done)
	}
	if stdout != nil {
		errs.Set(stdout.Close())
	}
	result.LogTail = tail.Bytes()
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}
	switch stopKind {
	case fault.Timeout:
		return fail(fault.Timeout, errors.E(errors.Timeout, "exceeded", timeout.String()))
	case fault.Cancelled:
		return fail(fault.Cancelled, ctx.Err())
	}
	if waitErr != nil {
		return fail(fault.ToolFailure, waitErr)
	}
	if !NonEmpty(spec.Output) {
		return fail(fault.OutputMissing, nil)
	}
	result.OutputPath = spec.Output
	if result.Digest, err = Digest(ctx, spec.Output); err != nil {
		return fail(fault.ToolFailure, errors.E(err, "digest output", spec.Output))
	}
	result.Status = Succeeded
	return result
}

// stop terminates the process group of cmd, escalating to SIGKILL after the
// grace period, and returns the Wait result.
func (r *ExecRunner) stop(cmd *exec.Cmd, done <-chan error) error {
	pgid := cmd.Process.Pid
	if err := unix.Kill(-pgid, unix.SIGTERM); err != nil {
		log.Debug.Printf("stage: SIGTERM %d: %v", pgid, err)
	}
	grace := r.KillGrace
	if grace <= 0 {
		grace = DefaultExecRunner.KillGrace
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case err := <-done:
		return err
	case <-t.C:
	}
	if err := unix.Kill(-pgid, unix.SIGKILL); err != nil {
		log.Debug.Printf("stage: SIGKILL %d: %v", pgid, err)
	}
	return <-done
}
