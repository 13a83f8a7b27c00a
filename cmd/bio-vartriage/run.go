package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/vartriage/pipeline"
	"github.com/grailbio/vartriage/stage"
	"github.com/grailbio/vartriage/workspace"
	"v.io/x/lib/cmdline"
)

// Names of the stages driven by the call and annotate subcommands.
const (
	callStage     = "call"
	annotateStage = "annotate"
)

// runOpts selects the part of the pipeline to execute.
type runOpts struct {
	// through is the last stage to run; empty means the whole pipeline.
	through string
	// from is the name or 0-based index of the first stage to run.
	from         string
	verifyDigest bool
	// validate controls the optional workspace checks.
	validate workspace.ValidateOpts
}

// resolveStage maps a stage name or index to an index into specs.
func resolveStage(specs []stage.Spec, ref string) (int, error) {
	if ref == "" {
		return 0, nil
	}
	for i, s := range specs {
		if s.Name == ref {
			return i, nil
		}
	}
	if i, err := strconv.Atoi(ref); err == nil && i >= 0 && i < len(specs) {
		return i, nil
	}
	return 0, fmt.Errorf("no stage %q in the pipeline", ref)
}

// runPipeline validates and locks the workspace, then executes the selected
// stages, writing a one-line summary per stage to w.
func runPipeline(ctx context.Context, cfg pipeline.Config, opts runOpts, runner stage.Runner, w io.Writer) error {
	if err := workspace.Validate(cfg.Workspace, opts.validate); err != nil {
		return err
	}
	lock, err := workspace.Lock(cfg.Workspace.OutputDir)
	if err != nil {
		return err
	}
	defer lock.Unlock() // nolint: errcheck

	specs, err := cfg.Specs()
	if err != nil {
		return err
	}
	if opts.through != "" {
		last, err := resolveStage(specs, opts.through)
		if err != nil {
			return err
		}
		specs = specs[:last+1]
	}
	from, err := resolveStage(specs, opts.from)
	if err != nil {
		return err
	}
	timeout, err := cfg.DefaultTimeout()
	if err != nil {
		return err
	}
	if runner == nil {
		r := stage.DefaultExecRunner
		r.LogDir = cfg.Workspace.TempDir
		r.LogTailBytes = cfg.LogTailBytes
		runner = &r
	}
	o, err := pipeline.New(specs, runner, pipeline.Opts{
		Timeout:      timeout,
		HistoryPath:  cfg.HistoryPath(),
		VerifyDigest: opts.verifyDigest,
	})
	if err != nil {
		return err
	}
	results, err := o.Execute(ctx, from)
	if werr := writeSummary(w, results); werr != nil && err == nil {
		err = werr
	}
	return err
}

func writeSummary(w io.Writer, results []stage.Result) error {
	if len(results) == 0 {
		return nil
	}
	out := tsv.NewWriter(w)
	out.WriteString("stage\tstatus\texit_code\tduration\toutput")
	if err := out.EndLine(); err != nil {
		return err
	}
	for _, r := range results {
		out.WriteString(r.Name)
		out.WriteString(r.Status.String())
		out.WriteString(strconv.Itoa(r.ExitCode))
		out.WriteString(r.Duration.Round(time.Millisecond).String())
		out.WriteString(r.OutputPath)
		if err := out.EndLine(); err != nil {
			return err
		}
	}
	return out.Flush()
}

func newStageCmd(name, short, long string, opts func() runOpts) *cmdline.Command {
	cmd := &cmdline.Command{Name: name, Short: short, Long: long}
	cf := addConfigFlags(&cmd.Flags)
	verify := cmd.Flags.Bool("verify-digest", false, "On resume, require skipped stages' outputs to match the digests recorded in the run history")
	noHeader := cmd.Flags.Bool("skip-bam-header-check", false, "Do not decode the alignment's BAM header during workspace validation")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 0 {
			return env.UsageErrorf("%s takes no arguments, but got %v", name, argv)
		}
		ctx, cancel := background()
		defer cancel()
		cfg, err := cf.load(ctx)
		if err != nil {
			return exitError(err)
		}
		o := opts()
		o.verifyDigest = *verify
		o.validate = workspace.DefaultValidateOpts
		o.validate.CheckAlignmentHeader = !*noHeader
		return exitError(runPipeline(ctx, cfg, o, nil, env.Stdout))
	})
	return cmd
}

func newCmdCall() *cmdline.Command {
	return newStageCmd(callStage, "Call variants from the aligned sample",
		"Runs the pipeline through the call stage.",
		func() runOpts { return runOpts{through: callStage} })
}

func newCmdAnnotate() *cmdline.Command {
	return newStageCmd(annotateStage, "Annotate previously called variants",
		"Runs the annotate stage on the output of an earlier call run.  The call output must be present and non-empty.",
		func() runOpts { return runOpts{through: annotateStage, from: annotateStage} })
}

func newCmdRun() *cmdline.Command {
	var from *string
	cmd := newStageCmd("run", "Run the whole pipeline",
		"Runs every stage in order, stopping at the first failure.  With -resume-from, earlier stages are skipped and their outputs reused.",
		func() runOpts { return runOpts{from: *from} })
	from = cmd.Flags.String("resume-from", "", "Name or 0-based index of the first stage to run")
	return cmd
}

func newCmdHistory() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:  "history",
		Short: "Print the run history of a workspace",
	}
	cf := addConfigFlags(&cmd.Flags)
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 0 {
			return env.UsageErrorf("history takes no arguments, but got %v", argv)
		}
		ctx, cancel := background()
		defer cancel()
		cfg, err := cf.load(ctx)
		if err != nil {
			return exitError(err)
		}
		return exitError(printHistory(ctx, cfg.HistoryPath(), env.Stdout))
	})
	return cmd
}

func printHistory(ctx context.Context, path string, w io.Writer) error {
	entries, err := pipeline.ReadHistory(ctx, path)
	if err != nil {
		return err
	}
	out := tsv.NewRowWriter(w)
	for i := range entries {
		if err := out.Write(&entries[i]); err != nil {
			return err
		}
	}
	return out.Flush()
}
