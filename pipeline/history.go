package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/vartriage/fault"
	"github.com/grailbio/vartriage/stage"
)

// HistoryName is the run history file written to the output directory.
const HistoryName = "vartriage_history.tsv"

// HistoryEntry is one row of the run history: the outcome of one stage in one
// pipeline run.
type HistoryEntry struct {
	RunID       string `tsv:"run_id"`
	Stage       string `tsv:"stage"`
	Status      string `tsv:"status"`
	ExitCode    int    `tsv:"exit_code"`
	Started     string `tsv:"started"`
	DurationMs  int64  `tsv:"duration_ms"`
	Output      string `tsv:"output"`
	Digest      string `tsv:"digest"`
	Fingerprint string `tsv:"fingerprint"`
	Error       string `tsv:"error"`
}

func newHistoryEntry(runID string, spec stage.Spec, r stage.Result) HistoryEntry {
	e := HistoryEntry{
		RunID:       runID,
		Stage:       r.Name,
		Status:      r.Status.String(),
		ExitCode:    r.ExitCode,
		DurationMs:  r.Duration.Nanoseconds() / int64(time.Millisecond),
		Output:      r.OutputPath,
		Digest:      r.Digest,
		Fingerprint: Fingerprint(spec),
		Error:       summarize(r.Err),
	}
	if !r.Started.IsZero() {
		e.Started = r.Started.UTC().Format(time.RFC3339)
	}
	return e
}

// summarize reduces err to one line free of tabs and double quotes; the full
// log tail stays in the stage log file.
func summarize(err error) string {
	if err == nil {
		return ""
	}
	var msg string
	if se, ok := err.(*fault.StageError); ok {
		msg = fmt.Sprintf("%v exit=%d", se.Kind, se.ExitCode)
		if se.Err != nil {
			msg += ": " + se.Err.Error()
		}
	} else {
		msg = err.Error()
	}
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return strings.NewReplacer("\t", " ", `"`, "'").Replace(msg)
}

// ReadHistory reads a run history file.  A missing file yields an empty
// history.
func ReadHistory(ctx context.Context, path string) (entries []HistoryEntry, err error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "open history", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	r := tsv.NewReader(in.Reader(ctx))
	r.HasHeaderRow = true
	r.LazyQuotes = true
	r.UseHeaderNames = true
	for {
		var e HistoryEntry
		if err := r.Read(&e); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.E(err, "read history", path)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// appendHistory rewrites path with the existing entries followed by more.
// The file is replaced on close, so readers never see a partial row.  An
// unreadable history is moved to path+".bad" and a new one is started.
func appendHistory(ctx context.Context, path string, more ...HistoryEntry) (err error) {
	entries, err := ReadHistory(ctx, path)
	if err != nil {
		log.Error.Printf("%v; moving it to %s.bad", err, path)
		if err = os.Rename(path, path+".bad"); err != nil {
			return errors.E(err, "move unreadable history", path)
		}
		entries = nil
	}
	entries = append(entries, more...)
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "create history", path)
	}
	defer file.CloseAndReport(ctx, out, &err)
	w := tsv.NewRowWriter(out.Writer(ctx))
	for i := range entries {
		if err = w.Write(&entries[i]); err != nil {
			return errors.E(err, "write history", path)
		}
	}
	return w.Flush()
}

// lastSucceeded returns the most recent succeeded entry for the named stage
// and output path.
func lastSucceeded(entries []HistoryEntry, name, output string) (HistoryEntry, bool) {
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Stage == name && e.Output == output && e.Status == stage.Succeeded.String() {
			return e, true
		}
	}
	return HistoryEntry{}, false
}
