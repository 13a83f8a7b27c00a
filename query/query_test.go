package query

import (
	"bytes"
	"context"
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/grailbio/vartriage/fault"
	"github.com/grailbio/vartriage/interval"
	"github.com/grailbio/vartriage/vcf"
	"github.com/stretchr/testify/require"
)

const (
	header = "#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO"
	// missense in DNMT3B, plus an intronic effect on a second transcript.
	dnmt3bLine = "chr20\t32786453\trs2424913\tC\tT\t812.6\tPASS\tDP=40;ANN=T|missense_variant|MODERATE|DNMT3B|ENSG00000088305|transcript|ENST00000328111.6|protein_coding|9/23|c.1126C>T|p.Arg376Cys|1279/4338|1126/2562|376/853||"
	brca1Line  = "chr17\t43045712\t.\tG\tA\t50\tPASS\tDP=12;ANN=A|intron_variant|MODIFIER|BRCA1|ENSG00000012048|transcript|ENST00000357654.9|protein_coding|13/22|c.4358-1076C>T||||||"
	// MODERATE on TP53 and MODIFIER on DNMT3B: no single entry is both.
	splitLine = "chr20\t32786999\t.\tA\tG\t30\tLowQual\tANN=G|missense_variant|MODERATE|TP53|ENSG00000141510|transcript|ENST00000269305.9|protein_coding|5/11|c.524G>A|p.Arg175His||||,G|upstream_gene_variant|MODIFIER|DNMT3B|ENSG00000088305|transcript|ENST00000328111.6|protein_coding||c.-1200A>G||||1200|"
)

func writeFile(t *testing.T, dir, name string, lines ...string) string {
	path := filepath.Join(dir, name)
	require.NoError(t, ioutil.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644))
	return path
}

func clinical(impact string) Predicate {
	return And(Eq(Impact, impact), Eq(Gene, "DNMT3B"))
}

func TestEndToEnd(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := writeFile(t, tmpdir, "variants.ann.vcf", header, dnmt3bLine, brca1Line)

	recs, stats, err := Collect(context.Background(), path, clinical("MODERATE"), DefaultOpts)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	want, err := vcf.ParseLine(nil, dnmt3bLine)
	require.NoError(t, err)
	expect.EQ(t, *recs[0], *want)
	expect.EQ(t, recs[0].Chrom, "chr20")
	expect.EQ(t, recs[0].Pos, 32786453)
	expect.EQ(t, recs[0].Ref, "C")
	expect.EQ(t, recs[0].Alt, "T")
	expect.EQ(t, recs[0].Filter, "PASS")
	expect.EQ(t, recs[0].Line, dnmt3bLine)
	expect.EQ(t, stats.Scanned, 2)
	expect.EQ(t, stats.Matched, 1)
	expect.EQ(t, stats.Skipped, 0)
}

func TestCorrectness(t *testing.T) {
	rec, err := vcf.ParseLine(nil, dnmt3bLine)
	require.NoError(t, err)
	expect.True(t, clinical("MODERATE").Match(rec))
	expect.False(t, clinical("HIGH").Match(rec))

	// Matching is literal and case-sensitive.
	expect.False(t, And(Eq(Impact, "moderate"), Eq(Gene, "DNMT3B")).Match(rec))
	expect.False(t, Eq(Gene, "DNMT3").Match(rec))
	expect.True(t, Contains(Gene, "DNMT3").Match(rec))
	expect.True(t, In(Impact, "HIGH", "MODERATE").Match(rec))
	expect.True(t, And().Match(rec))
	expect.True(t, Eq(Field("Feature_ID"), "ENST00000328111.6").Match(rec))
	expect.True(t, Eq(Filter, "PASS").Match(rec))
	expect.False(t, And(Eq(Filter, "LowQual"), Eq(Impact, "MODERATE")).Match(rec))
}

func TestAndSameAnnotation(t *testing.T) {
	rec, err := vcf.ParseLine(nil, splitLine)
	require.NoError(t, err)
	expect.True(t, Eq(Impact, "MODERATE").Match(rec))
	expect.True(t, Eq(Gene, "DNMT3B").Match(rec))
	expect.False(t, clinical("MODERATE").Match(rec))
	expect.True(t, clinical("MODIFIER").Match(rec))
	// Nested Ands join the same entry.
	expect.False(t, And(And(Eq(Impact, "MODERATE")), Eq(Gene, "DNMT3B")).Match(rec))

	anns := MatchingAnnotations(clinical("MODIFIER"), rec)
	require.Len(t, anns, 1)
	expect.EQ(t, anns[0][vcf.Consequence], "upstream_gene_variant")
	expect.EQ(t, len(MatchingAnnotations(Eq(Filter, "LowQual"), rec)), 2)
}

func TestPredicateString(t *testing.T) {
	p := And(Eq(Impact, "MODERATE"), In(Gene, "DNMT3B", "TP53"), Contains(Filter, "PASS"))
	expect.EQ(t, p.String(), "FILTER contains PASS AND IMPACT == MODERATE AND GENE in {DNMT3B,TP53}")
	expect.EQ(t, Fields(p), []Field{Filter, Gene, Impact})
}

func TestIdempotent(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := writeFile(t, tmpdir, "variants.ann.vcf", header, dnmt3bLine, brca1Line, splitLine)
	pred := Eq(Gene, "DNMT3B")
	first, _, err := Collect(context.Background(), path, pred, DefaultOpts)
	require.NoError(t, err)
	second, _, err := Collect(context.Background(), path, pred, DefaultOpts)
	require.NoError(t, err)
	require.Len(t, first, 2)
	expect.EQ(t, first, second)
}

func TestMalformedLine(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := writeFile(t, tmpdir, "variants.ann.vcf", header, dnmt3bLine, "chr20\t3278")
	recs, stats, err := Collect(context.Background(), path, nil, DefaultOpts)
	require.NoError(t, err)
	expect.EQ(t, len(recs), 1)
	expect.EQ(t, stats.Skipped, 1)
	expect.EQ(t, stats.Scanned, 1)
}

func TestUnreadableFile(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(tmpdir, "missing.vcf")
	_, err := Run(context.Background(), path, nil, DefaultOpts)
	require.Error(t, err)
	qe, ok := err.(*fault.QueryError)
	require.True(t, ok, "got %v", err)
	expect.EQ(t, qe.Kind, fault.UnreadableFile)
	expect.EQ(t, qe.Path, path)
	expect.EQ(t, fault.ExitCode(err), 30)
}

func TestCancelled(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := writeFile(t, tmpdir, "variants.ann.vcf", header, dnmt3bLine, brca1Line)
	ctx, cancel := context.WithCancel(context.Background())
	s, err := Run(ctx, path, nil, Opts{CheckInterval: 1})
	require.NoError(t, err)
	defer s.Close()
	require.True(t, s.Scan())
	cancel()
	expect.False(t, s.Scan())
	expect.EQ(t, s.Err(), context.Canceled)
	expect.EQ(t, s.Stats().Scanned, 1)
}

func TestInRegions(t *testing.T) {
	u, err := interval.NewBEDUnionFromRegions("chr20:32786453-32786500")
	require.NoError(t, err)
	pred := InRegions(&u, "chr20:32786453-32786500")
	for _, tt := range []struct {
		line string
		want bool
	}{
		{dnmt3bLine, true},
		{brca1Line, false},
		{"chr20\t32786452\t.\tA\tG\t.\tPASS\t.", false},
		{"chr20\t32786500\t.\tA\tG\t.\tPASS\t.", true},
		{"chr20\t32786501\t.\tA\tG\t.\tPASS\t.", false},
	} {
		rec, err := vcf.ParseLine(nil, tt.line)
		require.NoError(t, err)
		expect.EQ(t, pred.Match(rec), tt.want, "line=%q", tt.line)
	}
	expect.EQ(t, pred.String(), "in chr20:32786453-32786500")
}

func TestWriteReport(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := writeFile(t, tmpdir, "variants.ann.vcf", header, dnmt3bLine, brca1Line, splitLine)
	s, err := Run(context.Background(), path, clinical("MODIFIER"), DefaultOpts)
	require.NoError(t, err)
	var buf bytes.Buffer
	n, err := WriteReport(&buf, s)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	expect.EQ(t, n, 1)
	expect.EQ(t, buf.String(),
		"CHROM\tPOS\tID\tREF\tALT\tFILTER\tGENE\tIMPACT\tCONSEQUENCE\tPROTEIN\n"+
			"chr20\t32786999\t.\tA\tG\tLowQual\tDNMT3B\tMODIFIER\tupstream_gene_variant\t\n")

	s, err = Run(context.Background(), path, Eq(Gene, "BRCA1"), DefaultOpts)
	require.NoError(t, err)
	buf.Reset()
	n, err = WriteVCF(&buf, s)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	expect.EQ(t, n, 1)
	expect.EQ(t, buf.String(), header+"\n"+brca1Line+"\n")
}

func TestSuggestGenes(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := writeFile(t, tmpdir, "variants.ann.vcf", header, dnmt3bLine, brca1Line, splitLine)
	recs, stats, err := Collect(context.Background(), path, Eq(Gene, "DNMT3A"), DefaultOpts)
	require.NoError(t, err)
	expect.EQ(t, len(recs), 0)
	expect.EQ(t, len(stats.Genes), 3)
	expect.EQ(t, SuggestGenes("DNMT3A", stats.Genes, 5), []string{"DNMT3B"})
	expect.EQ(t, SuggestGenes("brca1", stats.Genes, 5), []string{"BRCA1"})
	expect.EQ(t, len(SuggestGenes("EGFR", stats.Genes, 5)), 0)
}
