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
package main

/*
bio-vartriage calls variants from an aligned sample with an external GPU
caller, annotates them with an external effect predictor, and filters the
annotated VCF for clinically interesting variants.

  bio-vartriage run -workspace /data/NA12878
  bio-vartriage run -config pipeline.yaml -resume-from annotate
  bio-vartriage query -impact MODERATE -gene DNMT3B output_data/variants.ann.vcf

Every failure exits with a status that identifies its kind: 10-16 for
workspace and configuration problems, 20-23 for stage failures, 30 for an
unreadable variant file and 1 for anything else.
*/

import (
	"context"
	"flag"
	stdlog "log"
	"os"
	"os/signal"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/vartriage/fault"
	"github.com/grailbio/vartriage/pipeline"
	"github.com/grailbio/vartriage/workspace"
	"golang.org/x/sys/unix"
	"v.io/x/lib/cmdline"
)

// configFlags are the flags shared by every subcommand that needs the
// pipeline definition.
type configFlags struct {
	config    *string
	workspace *string
	reference *string
	alignment *string
}

func addConfigFlags(fs *flag.FlagSet) configFlags {
	return configFlags{
		config:    fs.String("config", "", "Pipeline definition (YAML). By default the built-in call/annotate pipeline is used"),
		workspace: fs.String("workspace", "", "Workspace root holding input_data, output_data and temp_data. Overrides the config's directories"),
		reference: fs.String("reference", "", "Reference FASTA, relative to the input directory unless absolute"),
		alignment: fs.String("alignment", "", "Aligned sample (BAM), relative to the input directory unless absolute"),
	}
}

// load returns the pipeline definition with the flag overrides applied and
// the workspace directories made absolute.
func (f configFlags) load(ctx context.Context) (pipeline.Config, error) {
	cfg := pipeline.DefaultConfig()
	if *f.config != "" {
		var err error
		if cfg, err = pipeline.LoadConfig(ctx, *f.config); err != nil {
			return cfg, err
		}
	}
	if *f.workspace != "" {
		cfg.Workspace = workspace.New(*f.workspace, cfg.Workspace.ReferencePath, cfg.Workspace.AlignmentPath)
	}
	if *f.reference != "" {
		cfg.Workspace.ReferencePath = *f.reference
	}
	if *f.alignment != "" {
		cfg.Workspace.AlignmentPath = *f.alignment
	}
	return cfg.Abs()
}

// withSignals returns a context that is cancelled on SIGINT or SIGTERM, so
// that a running stage is stopped and reported as cancelled.
func withSignals(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, unix.SIGTERM)
	go func() {
		select {
		case sig := <-ch:
			log.Printf("received %v, stopping", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(ch)
	}()
	return ctx, cancel
}

// exitError logs err and converts it to the exit status of its kind.
func exitError(err error) error {
	if err == nil {
		return nil
	}
	log.Error.Printf("%v", err)
	return cmdline.ErrExitCode(fault.ExitCode(err))
}

func background() (context.Context, context.CancelFunc) {
	return withSignals(vcontext.Background())
}

func newCmdRoot() *cmdline.Command {
	return &cmdline.Command{
		Name:     "bio-vartriage",
		Short:    "Variant calling, annotation and triage pipeline",
		LookPath: false,
		Children: []*cmdline.Command{
			newCmdCall(),
			newCmdAnnotate(),
			newCmdRun(),
			newCmdQuery(),
			newCmdHistory(),
		},
	}
}

func main() {
	stdlog.SetFlags(stdlog.Ldate | stdlog.Ltime | stdlog.Lmicroseconds | stdlog.Lshortfile)
	cmdline.HideGlobalFlagsExcept()
	cmdline.Main(newCmdRoot())
}
