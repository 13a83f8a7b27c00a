package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/vartriage/stage"
	"github.com/grailbio/vartriage/workspace"
	"gopkg.in/yaml.v3"
)

// StageConfig is the YAML form of one stage.  String fields may reference
// ${reference}, ${alignment}, ${input_dir}, ${output_dir}, ${temp_dir},
// ${stage} and ${gpus}; command, env and dir may also use ${input} (the first
// input) and ${output}.
type StageConfig struct {
	Name           string            `yaml:"name"`
	Command        []string          `yaml:"command"`
	Inputs         []string          `yaml:"inputs"`
	Output         string            `yaml:"output"`
	StdoutToOutput bool              `yaml:"stdout_to_output"`
	Env            map[string]string `yaml:"env"`
	Dir            string            `yaml:"dir"`
	Timeout        string            `yaml:"timeout"`
	GPUs           int               `yaml:"gpus"`
	Container      *stage.Container  `yaml:"container"`
}

// Config is the YAML pipeline definition.
type Config struct {
	Workspace workspace.Config `yaml:"workspace"`
	// Timeout is the default per-stage timeout, in time.ParseDuration syntax.
	Timeout      string        `yaml:"timeout"`
	LogTailBytes int           `yaml:"log_tail_bytes"`
	Stages       []StageConfig `yaml:"stages"`
}

// DefaultConfig is the tutorial pipeline: GPU haplotype calling with
// Parabricks in a container, followed by snpEff annotation from a conda
// environment.
func DefaultConfig() Config {
	return Config{
		Workspace:    workspace.New(".", "reference.fasta", "sample.bam"),
		Timeout:      "12h",
		LogTailBytes: stage.DefaultLogTailBytes,
		Stages: []StageConfig{
			{
				Name: "call",
				Command: []string{
					"pbrun", "haplotypecaller",
					"--ref", "${reference}",
					"--in-bam", "${alignment}",
					"--out-variants", "${output}",
					"--num-gpus", "${gpus}",
					"--tmp-dir", "${temp_dir}",
				},
				Inputs: []string{"${reference}", "${alignment}"},
				Output: "${output_dir}/variants.vcf",
				GPUs:   1,
				Container: &stage.Container{
					Runtime: "docker",
					Image:   "nvcr.io/nvidia/clara/clara-parabricks:4.2.0-1",
				},
			},
			{
				Name:           "annotate",
				Command:        []string{"conda", "run", "-n", "snpeff", "snpEff", "-Xmx8g", "ann", "GRCh38.105", "${input}"},
				Inputs:         []string{"${output_dir}/variants.vcf"},
				Output:         "${output_dir}/variants.ann.vcf",
				StdoutToOutput: true,
				// snpEff writes its HTML summary to the working directory.
				Dir: "${temp_dir}",
			},
		},
	}
}

// LoadConfig reads a YAML pipeline definition.  Unknown keys are errors.
// Workspace fields left empty take their DefaultConfig values, and a file
// without stages gets the default stages.
func LoadConfig(ctx context.Context, path string) (cfg Config, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return cfg, errors.E(err, "open pipeline config", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	data, err := ioutil.ReadAll(in.Reader(ctx))
	if err != nil {
		return cfg, errors.E(err, "read pipeline config", path)
	}
	return ParseConfig(data)
}

// ParseConfig is LoadConfig on an in-memory document.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, errors.E(errors.Invalid, err, "parse pipeline config")
	}
	def := DefaultConfig()
	ws := &cfg.Workspace
	fill := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	fill(&ws.InputDir, def.Workspace.InputDir)
	fill(&ws.OutputDir, def.Workspace.OutputDir)
	fill(&ws.TempDir, def.Workspace.TempDir)
	fill(&ws.ReferencePath, def.Workspace.ReferencePath)
	fill(&ws.AlignmentPath, def.Workspace.AlignmentPath)
	fill(&cfg.Timeout, def.Timeout)
	if cfg.LogTailBytes == 0 {
		cfg.LogTailBytes = def.LogTailBytes
	}
	if len(cfg.Stages) == 0 {
		cfg.Stages = def.Stages
	}
	return cfg, nil
}

// Abs returns cfg with absolute workspace directories, so that container
// bind mounts and tools run from other directories see the same paths.
func (cfg Config) Abs() (Config, error) {
	ws := &cfg.Workspace
	for _, p := range []*string{&ws.InputDir, &ws.OutputDir, &ws.TempDir} {
		abs, err := filepath.Abs(*p)
		if err != nil {
			return cfg, err
		}
		*p = abs
	}
	return cfg, nil
}

// DefaultTimeout parses cfg.Timeout; an empty value means no limit.
func (cfg Config) DefaultTimeout() (time.Duration, error) {
	if cfg.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(cfg.Timeout)
	if err != nil {
		return 0, errors.E(errors.Invalid, err, "pipeline timeout")
	}
	return d, nil
}

// HistoryPath is the run history file inside the output directory.
func (cfg Config) HistoryPath() string {
	return filepath.Join(cfg.Workspace.OutputDir, HistoryName)
}

// Specs expands every stage's variables and returns the stage specs in
// order.
func (cfg Config) Specs() ([]stage.Spec, error) {
	ws := cfg.Workspace
	specs := make([]stage.Spec, 0, len(cfg.Stages))
	for _, sc := range cfg.Stages {
		vars := map[string]string{
			"reference":  ws.Reference(),
			"alignment":  ws.Alignment(),
			"input_dir":  ws.InputDir,
			"output_dir": ws.OutputDir,
			"temp_dir":   ws.TempDir,
			"stage":      sc.Name,
			"gpus":       strconv.Itoa(sc.GPUs),
		}
		ex := expander{vars: vars}
		spec := stage.Spec{
			Name:           sc.Name,
			Output:         cleanPath(ex.expand(sc.Output)),
			StdoutToOutput: sc.StdoutToOutput,
			Resources:      stage.Resources{GPUs: sc.GPUs},
			Container:      sc.Container,
		}
		if sc.Container != nil {
			spec.Mounts = []stage.Mount{
				{Path: ws.InputDir, ReadOnly: true},
				{Path: ws.OutputDir},
				{Path: ws.TempDir},
			}
		}
		for _, in := range sc.Inputs {
			spec.Inputs = append(spec.Inputs, cleanPath(ex.expand(in)))
		}
		vars["output"] = spec.Output
		if len(spec.Inputs) > 0 {
			vars["input"] = spec.Inputs[0]
		}
		for _, arg := range sc.Command {
			spec.Command = append(spec.Command, ex.expand(arg))
		}
		keys := make([]string, 0, len(sc.Env))
		for k := range sc.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			spec.Env = append(spec.Env, k+"="+ex.expand(sc.Env[k]))
		}
		if sc.Dir != "" {
			spec.Dir = ex.expand(sc.Dir)
		}
		if sc.Timeout != "" {
			d, err := time.ParseDuration(sc.Timeout)
			if err != nil {
				return nil, errors.E(errors.Invalid, err, "stage", sc.Name, "timeout")
			}
			spec.Timeout = d
		}
		if len(ex.unknown) > 0 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("stage %s: undefined variable(s) %s", sc.Name, strings.Join(ex.unknown, ", ")))
		}
		if err := spec.Validate(); err != nil {
			return nil, errors.E(errors.Invalid, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func cleanPath(p string) string {
	if p == "" {
		return ""
	}
	return filepath.Clean(p)
}

type expander struct {
	vars    map[string]string
	unknown []string
}

func (e *expander) expand(s string) string {
	return os.Expand(s, func(name string) string {
		v, ok := e.vars[name]
		if !ok {
			e.unknown = append(e.unknown, name)
			return ""
		}
		return v
	})
}
