package main

import (
	"bytes"
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"github.com/grailbio/vartriage/fault"
	"github.com/grailbio/vartriage/pipeline"
	"github.com/grailbio/vartriage/stage"
	"github.com/grailbio/vartriage/workspace"
	"github.com/stretchr/testify/require"
	"v.io/x/lib/cmdline"
)

// fakeRunner writes each stage's name to its output instead of launching the
// real tools.
type fakeRunner struct {
	ran []string
}

func (f *fakeRunner) Run(ctx context.Context, spec stage.Spec, timeout time.Duration) stage.Result {
	f.ran = append(f.ran, spec.Name)
	r := stage.Result{Name: spec.Name, Started: time.Now()}
	if err := ioutil.WriteFile(spec.Output, []byte(spec.Name+"\n"), 0644); err != nil {
		r.Status = stage.Failed
		r.Err = &fault.StageError{Kind: fault.ToolFailure, Stage: spec.Name, Err: err}
		return r
	}
	r.Status = stage.Succeeded
	r.OutputPath = spec.Output
	return r
}

var noHeaderCheck = workspace.ValidateOpts{}

func newConfig(t *testing.T, root string) pipeline.Config {
	in := filepath.Join(root, workspace.DefaultInputDir)
	require.NoError(t, os.MkdirAll(in, 0755))
	require.NoError(t, ioutil.WriteFile(filepath.Join(in, "reference.fasta"), []byte(">chr1\nACGT\n"), 0644))
	require.NoError(t, ioutil.WriteFile(filepath.Join(in, "sample.bam"), []byte("not checked"), 0644))
	cfg := pipeline.DefaultConfig()
	cfg.Workspace = workspace.New(root, "reference.fasta", "sample.bam")
	cfg, err := cfg.Abs()
	require.NoError(t, err)
	return cfg
}

func TestCallThenAnnotate(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	cfg := newConfig(t, tmpdir)
	ctx := context.Background()

	runner := &fakeRunner{}
	var out bytes.Buffer
	err := runPipeline(ctx, cfg, runOpts{through: callStage, validate: noHeaderCheck}, runner, &out)
	require.NoError(t, err)
	expect.EQ(t, runner.ran, []string{callStage})
	expect.True(t, strings.Contains(out.String(), "call\tsucceeded\t0\t"), "got %q", out.String())

	runner = &fakeRunner{}
	out.Reset()
	err = runPipeline(ctx, cfg, runOpts{through: annotateStage, from: annotateStage, validate: noHeaderCheck}, runner, &out)
	require.NoError(t, err)
	expect.EQ(t, runner.ran, []string{annotateStage})
	expect.True(t, strings.Contains(out.String(), "call\tskipped\t"), "got %q", out.String())

	out.Reset()
	require.NoError(t, printHistory(ctx, cfg.HistoryPath(), &out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	expect.True(t, strings.HasPrefix(lines[0], "run_id\tstage\tstatus"), "got %q", lines[0])
}

func TestAnnotateWithoutCall(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	cfg := newConfig(t, tmpdir)
	runner := &fakeRunner{}
	err := runPipeline(context.Background(), cfg, runOpts{through: annotateStage, from: annotateStage, validate: noHeaderCheck}, runner, ioutil.Discard)
	expect.True(t, fault.IsConfig(err, fault.StaleResume), "got %v", err)
	expect.EQ(t, fault.ExitCode(err), 14)
	expect.EQ(t, len(runner.ran), 0)
}

func TestRunLocked(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	cfg := newConfig(t, tmpdir)
	require.NoError(t, os.MkdirAll(cfg.Workspace.OutputDir, 0755))
	lock, err := workspace.Lock(cfg.Workspace.OutputDir)
	require.NoError(t, err)
	defer lock.Unlock() // nolint: errcheck

	runner := &fakeRunner{}
	err = runPipeline(context.Background(), cfg, runOpts{validate: noHeaderCheck}, runner, ioutil.Discard)
	expect.True(t, fault.IsConfig(err, fault.Locked), "got %v", err)
	expect.EQ(t, len(runner.ran), 0)
}

func TestRunMissingDirectory(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	cfg := pipeline.DefaultConfig()
	cfg.Workspace = workspace.New(tmpdir, "reference.fasta", "sample.bam")
	err := runPipeline(context.Background(), cfg, runOpts{validate: noHeaderCheck}, &fakeRunner{}, ioutil.Discard)
	require.Error(t, err)
	ce, ok := err.(*fault.ConfigError)
	require.True(t, ok, "got %v", err)
	expect.EQ(t, ce.Kind, fault.MissingDirectory)
	expect.EQ(t, ce.Path, cfg.Workspace.InputDir)
}

func TestResolveStage(t *testing.T) {
	specs := []stage.Spec{{Name: "call"}, {Name: "annotate"}}
	for _, tt := range []struct {
		ref  string
		want int
	}{
		{"", 0},
		{"call", 0},
		{"annotate", 1},
		{"1", 1},
	} {
		got, err := resolveStage(specs, tt.ref)
		assert.NoError(t, err)
		expect.EQ(t, got, tt.want, "ref=%q", tt.ref)
	}
	for _, ref := range []string{"report", "2", "-1"} {
		_, err := resolveStage(specs, ref)
		expect.NotNil(t, err, "ref=%q", ref)
	}
}

func TestExitError(t *testing.T) {
	expect.Nil(t, exitError(nil))
	expect.EQ(t, exitError(&fault.StageError{Kind: fault.Timeout, Stage: "call"}), cmdline.ErrExitCode(21))
	expect.EQ(t, exitError(&fault.ConfigError{Kind: fault.MissingDirectory}), cmdline.ErrExitCode(11))
}

const testVCF = `##fileformat=VCFv4.2
#CHROM	POS	ID	REF	ALT	QUAL	FILTER	INFO
chr20	32786453	rs2424913	C	T	812.6	PASS	ANN=T|missense_variant|MODERATE|DNMT3B|ENSG00000088305|transcript|ENST00000328111.6|protein_coding|9/23|c.1126C>T|p.Arg376Cys|1279/4338|1126/2562|376/853||
chr17	43045712	.	G	A	50	PASS	ANN=A|intron_variant|MODIFIER|BRCA1|ENSG00000012048|transcript|ENST00000357654.9|protein_coding|13/22|c.4358-1076C>T||||||
chr17	4304
`

func TestRunQuery(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(tmpdir, "variants.ann.vcf")
	require.NoError(t, ioutil.WriteFile(path, []byte(testVCF), 0644))
	ctx := context.Background()

	f := queryFlags{impact: "MODERATE", gene: "DNMT3B", format: "tsv", out: filepath.Join(tmpdir, "report.tsv")}
	require.NoError(t, runQuery(ctx, f, path, ioutil.Discard))
	got, err := ioutil.ReadFile(f.out)
	require.NoError(t, err)
	expect.EQ(t, string(got),
		"CHROM\tPOS\tID\tREF\tALT\tFILTER\tGENE\tIMPACT\tCONSEQUENCE\tPROTEIN\n"+
			"chr20\t32786453\trs2424913\tC\tT\tPASS\tDNMT3B\tMODERATE\tmissense_variant\tp.Arg376Cys\n")

	var out bytes.Buffer
	f = queryFlags{impact: "HIGH,MODIFIER", region: "chr17:43000000-43100000", format: "vcf"}
	require.NoError(t, runQuery(ctx, f, path, &out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	expect.True(t, strings.HasPrefix(lines[2], "chr17\t43045712\t"))

	f = queryFlags{region: "chr1:1-2", bed: "x.bed", format: "tsv"}
	expect.NotNil(t, runQuery(ctx, f, path, ioutil.Discard))
	f = queryFlags{format: "json"}
	expect.NotNil(t, runQuery(ctx, f, path, ioutil.Discard))

	err = runQuery(ctx, queryFlags{format: "tsv"}, filepath.Join(tmpdir, "missing.vcf"), ioutil.Discard)
	expect.EQ(t, fault.ExitCode(err), 30)
}
