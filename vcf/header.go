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

// Package vcf reads annotated VCF files one record at a time.  It understands
// just enough of the format to filter variants: the eight fixed columns, the
// INFO key/value list, and the pipe-delimited functional annotations written by
// snpEff (INFO key ANN) or Ensembl VEP (INFO key CSQ).
//
// Parsing is deliberately loose.  Lines that cannot be parsed are reported to
// the caller and skipped instead of aborting the read, and annotation
// sub-fields are located by the names declared in the file's own header.
package vcf

import (
	"strings"
)

// Canonical annotation keys.  Every Annotation carries these (when the source
// sub-field is non-empty) regardless of whether the file was annotated by
// snpEff or VEP.
const (
	Impact      = "IMPACT"
	Gene        = "GENE"
	Consequence = "CONSEQUENCE"
	Protein     = "PROTEIN"
)

// CanonicalKeys lists the canonical annotation keys.
var CanonicalKeys = []string{Impact, Gene, Consequence, Protein}

// canonicalSources maps each canonical key to the sub-field names it is copied
// from, in order of preference (snpEff name first, then VEP).
var canonicalSources = map[string][]string{
	Impact:      {"Annotation_Impact", "IMPACT"},
	Gene:        {"Gene_Name", "SYMBOL"},
	Consequence: {"Annotation", "Consequence"},
	Protein:     {"HGVS.p", "HGVSp"},
}

// DefaultANNFields is the snpEff ANN layout, used when the header does not
// describe the annotation sub-fields.
var DefaultANNFields = []string{
	"Allele",
	"Annotation",
	"Annotation_Impact",
	"Gene_Name",
	"Gene_ID",
	"Feature_Type",
	"Feature_ID",
	"Transcript_BioType",
	"Rank",
	"HGVS.c",
	"HGVS.p",
	"cDNA.pos / cDNA.length",
	"CDS.pos / CDS.length",
	"AA.pos / AA.length",
	"Distance",
	"ERRORS / WARNINGS / INFO",
}

// Header holds the '#'-prefixed lines at the top of a VCF.
type Header struct {
	// Lines are the header lines in file order, including the #CHROM line,
	// without line terminators.
	Lines []string
	// Samples are the sample column names of the #CHROM line.
	Samples []string
	// AnnotationKey is the INFO key holding functional annotations: ANN unless
	// the header declares only CSQ.
	AnnotationKey string
	// AnnotationFields are the sub-field names of each annotation entry.
	AnnotationFields []string

	haveANN bool
}

// NewHeader returns an empty header that expects snpEff annotations.
func NewHeader() *Header {
	return &Header{AnnotationKey: "ANN", AnnotationFields: DefaultANNFields}
}

// Add records one header line.
func (h *Header) Add(line string) {
	h.Lines = append(h.Lines, line)
	switch {
	case strings.HasPrefix(line, "#CHROM"):
		cols := strings.Split(line, "\t")
		if len(cols) > 9 {
			h.Samples = cols[9:]
		}
	case strings.HasPrefix(line, "##INFO=<ID=ANN,"):
		h.haveANN = true
		h.setAnnotation("ANN", line)
	case strings.HasPrefix(line, "##INFO=<ID=CSQ,"):
		if !h.haveANN {
			h.setAnnotation("CSQ", line)
		}
	}
}

func (h *Header) setAnnotation(key, line string) {
	h.AnnotationKey = key
	if fields := annotationFormat(line); len(fields) > 1 {
		h.AnnotationFields = fields
	} else if key == "ANN" {
		h.AnnotationFields = DefaultANNFields
	} else {
		h.AnnotationFields = nil
	}
}

// annotationFormat extracts the sub-field names from an ##INFO description.
// snpEff writes
//   Description="Functional annotations: 'Allele | Annotation | ...' "
// and VEP writes
//   Description="Consequence annotations from Ensembl VEP. Format: Allele|Consequence|..."
func annotationFormat(line string) []string {
	const descKey = `Description="`
	i := strings.Index(line, descKey)
	if i < 0 {
		return nil
	}
	desc := line[i+len(descKey):]
	if j := strings.LastIndexByte(desc, '"'); j >= 0 {
		desc = desc[:j]
	}
	if k := strings.Index(desc, "Format:"); k >= 0 {
		desc = desc[k+len("Format:"):]
	} else if first, last := strings.IndexByte(desc, '\''), strings.LastIndexByte(desc, '\''); first >= 0 && last > first {
		desc = desc[first+1 : last]
	} else if c := strings.LastIndexByte(desc, ':'); c >= 0 {
		desc = desc[c+1:]
	}
	if !strings.Contains(desc, "|") {
		return nil
	}
	parts := strings.Split(desc, "|")
	fields := make([]string, len(parts))
	for i, p := range parts {
		fields[i] = strings.Trim(p, " '\"")
	}
	return fields
}
