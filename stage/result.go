package stage

import (
	"context"
	"encoding/hex"
	"io"
	"os"
	"time"

	"blainsmith.com/go/seahash"
	"github.com/grailbio/base/file"
)

// Status is the outcome of one stage.
type Status int

const (
	// Succeeded means the tool exited 0 and wrote a non-empty output.
	Succeeded Status = iota
	// Failed means the stage ended with a *fault.StageError.
	Failed
	// Skipped means a resumed run reused the output of an earlier run.
	Skipped
)

func (s Status) String() string {
	switch s {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Skipped:
		return "skipped"
	}
	return "unknown"
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, bool) {
	for _, st := range []Status{Succeeded, Failed, Skipped} {
		if st.String() == s {
			return st, true
		}
	}
	return Failed, false
}

// Result records one stage execution.  It is created by a Runner (or by the
// orchestrator for skipped stages) and never modified afterwards.
type Result struct {
	Name     string
	Status   Status
	ExitCode int
	// LogTail is the last part of the tool's combined log.
	LogTail  []byte
	Started  time.Time
	Duration time.Duration
	// OutputPath is set when the output exists after the run.
	OutputPath string
	// Digest is the seahash of OutputPath's contents, for succeeded and
	// skipped stages.
	Digest string
	// Err is a *fault.StageError when Status is Failed.
	Err error
}

// OK reports whether downstream stages may consume this result's output.
func (r Result) OK() bool { return r.Status != Failed }

// Runner executes one stage.  ExecRunner launches real tools; tests substitute
// fakes that write a fixed file and return a fixed status.
type Runner interface {
	Run(ctx context.Context, spec Spec, timeout time.Duration) Result
}

// NonEmpty reports whether path names a regular file with at least one byte.
func NonEmpty(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

// Digest computes the hex seahash of a file's contents.
func Digest(ctx context.Context, path string) (digest string, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return "", err
	}
	defer file.CloseAndReport(ctx, in, &err)
	h := seahash.New()
	if _, err = io.Copy(h, in.Reader(ctx)); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
