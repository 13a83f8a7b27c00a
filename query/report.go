package query

import (
	"bufio"
	"io"
	"sort"
	"strings"

	"github.com/antzucaro/matchr"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/vartriage/vcf"
)

// ReportColumns are the columns written by WriteReport.
var ReportColumns = []string{"CHROM", "POS", "ID", "REF", "ALT", "FILTER", "GENE", "IMPACT", "CONSEQUENCE", "PROTEIN"}

// WriteReport drains s, writing one TSV row per matching record.  The
// annotation columns come from the first annotation entry that satisfied the
// predicate, and are empty for unannotated records.  It returns the number of
// rows written.
func WriteReport(w io.Writer, s *Scanner) (n int, err error) {
	out := tsv.NewWriter(w)
	out.WriteString(strings.Join(ReportColumns, "\t"))
	if err = out.EndLine(); err != nil {
		return
	}
	for s.Scan() {
		rec := s.Record()
		var ann vcf.Annotation
		if anns := MatchingAnnotations(s.Predicate(), rec); len(anns) > 0 {
			ann = anns[0]
		}
		out.WriteString(rec.Chrom)
		out.WriteUint32(uint32(rec.Pos))
		out.WriteString(rec.ID)
		out.WriteString(rec.Ref)
		out.WriteString(rec.Alt)
		out.WriteString(rec.Filter)
		for _, key := range []string{vcf.Gene, vcf.Impact, vcf.Consequence, vcf.Protein} {
			out.WriteString(ann[key])
		}
		if err = out.EndLine(); err != nil {
			return
		}
		n++
	}
	if err = out.Flush(); err != nil {
		return
	}
	err = s.Err()
	return
}

// WriteVCF drains s, writing the file's header followed by the matching lines
// verbatim.  It returns the number of records written.
func WriteVCF(w io.Writer, s *Scanner) (n int, err error) {
	bw := bufio.NewWriter(w)
	for _, line := range s.Header().Lines {
		bw.WriteString(line)
		bw.WriteByte('\n')
	}
	for s.Scan() {
		bw.WriteString(s.Record().Line)
		if err = bw.WriteByte('\n'); err != nil {
			return
		}
		n++
	}
	if err = bw.Flush(); err != nil {
		return
	}
	err = s.Err()
	return
}

// SuggestGenes returns up to max gene symbols from known that are within edit
// distance 2 of gene, closest first.  Case differences are ignored.
func SuggestGenes(gene string, known map[string]struct{}, max int) []string {
	type candidate struct {
		name string
		dist int
	}
	target := strings.ToUpper(gene)
	var cands []candidate
	for name := range known {
		if name == gene {
			continue
		}
		if d := matchr.Levenshtein(target, strings.ToUpper(name)); d <= 2 {
			cands = append(cands, candidate{name, d})
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].dist != cands[j].dist {
			return cands[i].dist < cands[j].dist
		}
		return cands[i].name < cands[j].name
	})
	if len(cands) > max {
		cands = cands[:max]
	}
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.name
	}
	return out
}
