package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/vartriage/interval"
	"github.com/grailbio/vartriage/query"
	"v.io/x/lib/cmdline"
)

type queryFlags struct {
	impact      string
	gene        string
	consequence string
	filter      string
	region      string
	bed         string
	format      string
	out         string
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func listPredicate(field query.Field, list string) query.Predicate {
	values := splitList(list)
	switch len(values) {
	case 0:
		return nil
	case 1:
		return query.Eq(field, values[0])
	default:
		return query.In(field, values...)
	}
}

// predicate builds the conjunction of the given flags.  Record-level tests
// come first so that they reject records before annotations are examined.
func (f queryFlags) predicate() (query.Predicate, error) {
	var preds []query.Predicate
	if p := listPredicate(query.Filter, f.filter); p != nil {
		preds = append(preds, p)
	}
	switch {
	case f.region != "" && f.bed != "":
		return nil, fmt.Errorf("-region and -bed are mutually exclusive")
	case f.region != "":
		u, err := interval.NewBEDUnionFromRegions(f.region)
		if err != nil {
			return nil, err
		}
		preds = append(preds, query.InRegions(&u, f.region))
	case f.bed != "":
		u, err := interval.NewBEDUnionFromPath(f.bed, interval.NewBEDOpts{})
		if err != nil {
			return nil, err
		}
		preds = append(preds, query.InRegions(&u, f.bed))
	}
	if p := listPredicate(query.Impact, f.impact); p != nil {
		preds = append(preds, p)
	}
	if p := listPredicate(query.Gene, f.gene); p != nil {
		preds = append(preds, p)
	}
	if f.consequence != "" {
		preds = append(preds, query.Contains(query.Consequence, f.consequence))
	}
	return query.And(preds...), nil
}

// runQuery filters path and writes the matches to f.out, or w when f.out is
// empty or "-".
func runQuery(ctx context.Context, f queryFlags, path string, w io.Writer) (err error) {
	if f.format != "tsv" && f.format != "vcf" {
		return fmt.Errorf("unknown output format %q; want tsv or vcf", f.format)
	}
	pred, err := f.predicate()
	if err != nil {
		return err
	}
	s, err := query.Run(ctx, path, pred, query.DefaultOpts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if f.out != "" && f.out != "-" {
		var out file.File
		if out, err = file.Create(ctx, f.out); err != nil {
			return err
		}
		defer file.CloseAndReport(ctx, out, &err)
		w = out.Writer(ctx)
	}
	var n int
	if f.format == "vcf" {
		n, err = query.WriteVCF(w, s)
	} else {
		n, err = query.WriteReport(w, s)
	}
	if err != nil {
		return err
	}
	stats := s.Stats()
	if stats.Skipped > 0 {
		log.Printf("%s: %d malformed line(s) skipped", path, stats.Skipped)
	}
	if n == 0 {
		for _, gene := range splitList(f.gene) {
			if similar := query.SuggestGenes(gene, stats.Genes, 5); len(similar) > 0 {
				log.Printf("no variants matched gene %s; similar genes in %s: %s", gene, path, strings.Join(similar, ", "))
			}
		}
	}
	return nil
}

func newCmdQuery() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "query",
		Short:    "Filter an annotated VCF",
		ArgsName: "[path]",
		Long: `
Query prints the variants of an annotated VCF (snpEff ANN or VEP CSQ) that
satisfy every given condition.  Annotation conditions (-impact, -gene,
-consequence) must all hold for the same annotation entry.  Matching is exact
and case-sensitive.  Malformed lines are skipped and counted.

Without a path, the final output of the configured pipeline is queried.`,
	}
	var f queryFlags
	cmd.Flags.StringVar(&f.impact, "impact", "", "Comma-separated impact levels, e.g. HIGH,MODERATE")
	cmd.Flags.StringVar(&f.gene, "gene", "", "Comma-separated gene symbols, e.g. DNMT3B")
	cmd.Flags.StringVar(&f.consequence, "consequence", "", "Substring of the consequence term, e.g. missense_variant")
	cmd.Flags.StringVar(&f.filter, "filter", "", "Comma-separated FILTER values, e.g. PASS")
	cmd.Flags.StringVar(&f.region, "region", "", "Comma-separated regions, each <contig>, <contig>:<pos> or <contig>:<first>-<last> (1-based)")
	cmd.Flags.StringVar(&f.bed, "bed", "", "Restrict to the intervals of this BED file")
	cmd.Flags.StringVar(&f.format, "format", "tsv", "Output format: tsv (one row per variant) or vcf (matching lines with the header)")
	cmd.Flags.StringVar(&f.out, "out", "-", "Output path; - for stdout")
	cf := addConfigFlags(&cmd.Flags)
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) > 1 {
			return env.UsageErrorf("query takes at most one path, but got %v", argv)
		}
		ctx, cancel := background()
		defer cancel()
		var path string
		if len(argv) == 1 {
			path = argv[0]
		} else {
			cfg, err := cf.load(ctx)
			if err != nil {
				return exitError(err)
			}
			specs, err := cfg.Specs()
			if err != nil {
				return exitError(err)
			}
			path = specs[len(specs)-1].Output
		}
		return exitError(runQuery(ctx, f, path, env.Stdout))
	})
	return cmd
}
