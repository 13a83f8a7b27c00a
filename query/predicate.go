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

// Package query filters the records of an annotated VCF with composable
// predicates, e.g.
//
//   pred := query.And(query.Eq(query.Impact, "MODERATE"), query.Eq(query.Gene, "DNMT3B"))
//   s, err := query.Run(ctx, "output_data/variants.ann.vcf", pred, query.DefaultOpts)
//
// Annotation predicates within one And must hold for the same annotation
// entry, so the example above selects variants with a MODERATE effect on a
// DNMT3B transcript, not variants that are MODERATE on one gene and touch
// DNMT3B elsewhere.
package query

import (
	"fmt"
	"sort"
	"strings"

	"github.com/grailbio/vartriage/interval"
	"github.com/grailbio/vartriage/vcf"
)

// Field names a record column or an annotation sub-field.  The record-level
// fields are the constants Chrom through Qual; any other name is looked up in
// each annotation entry, so header sub-field names such as "Feature_Type" are
// valid Fields too.
type Field string

// Record-level fields.
const (
	Chrom  Field = "CHROM"
	ID     Field = "ID"
	Ref    Field = "REF"
	Alt    Field = "ALT"
	Filter Field = "FILTER"
	Qual   Field = "QUAL"
)

// Canonical annotation fields.
const (
	Impact      Field = vcf.Impact
	Gene        Field = vcf.Gene
	Consequence Field = vcf.Consequence
	Protein     Field = vcf.Protein
)

func (f Field) recordLevel() bool {
	switch f {
	case Chrom, ID, Ref, Alt, Filter, Qual:
		return true
	}
	return false
}

func (f Field) recordValue(r *vcf.Record) string {
	switch f {
	case Chrom:
		return r.Chrom
	case ID:
		return r.ID
	case Ref:
		return r.Ref
	case Alt:
		return r.Alt
	case Filter:
		return r.Filter
	case Qual:
		return r.Qual
	}
	return ""
}

// Predicate is a condition on a variant record.  Match must not modify the
// record.
type Predicate interface {
	Match(r *vcf.Record) bool
	String() string
}

// annotationPredicate is implemented by predicates that test one annotation
// entry at a time.
type annotationPredicate interface {
	Predicate
	matchAnnotation(a vcf.Annotation) bool
}

type opKind int

const (
	opEq opKind = iota
	opIn
	opContains
)

type fieldPredicate struct {
	field  Field
	op     opKind
	values []string
	set    map[string]struct{}
}

// Eq matches when field equals value exactly.
func Eq(field Field, value string) Predicate {
	return &fieldPredicate{field: field, op: opEq, values: []string{value}}
}

// In matches when field equals any of values.
func In(field Field, values ...string) Predicate {
	p := &fieldPredicate{field: field, op: opIn, values: values, set: make(map[string]struct{}, len(values))}
	for _, v := range values {
		p.set[v] = struct{}{}
	}
	return p
}

// Contains matches when field contains substr.
func Contains(field Field, substr string) Predicate {
	return &fieldPredicate{field: field, op: opContains, values: []string{substr}}
}

func (p *fieldPredicate) test(v string) bool {
	switch p.op {
	case opEq:
		return v == p.values[0]
	case opIn:
		_, ok := p.set[v]
		return ok
	default:
		return strings.Contains(v, p.values[0])
	}
}

func (p *fieldPredicate) matchAnnotation(a vcf.Annotation) bool {
	v, ok := a[string(p.field)]
	return ok && p.test(v)
}

func (p *fieldPredicate) Match(r *vcf.Record) bool {
	if p.field.recordLevel() {
		return p.test(p.field.recordValue(r))
	}
	for _, a := range r.Annotations {
		if p.matchAnnotation(a) {
			return true
		}
	}
	return false
}

func (p *fieldPredicate) String() string {
	switch p.op {
	case opEq:
		return fmt.Sprintf("%s == %s", p.field, p.values[0])
	case opIn:
		return fmt.Sprintf("%s in {%s}", p.field, strings.Join(p.values, ","))
	default:
		return fmt.Sprintf("%s contains %s", p.field, p.values[0])
	}
}

type andPredicate struct {
	record     []Predicate
	annotation []annotationPredicate
}

// And matches when every child matches.  Record-level children are evaluated
// first, in argument order, and evaluation stops at the first failure.
// Annotation-level children (Eq, In or Contains on an annotation field) must
// then all hold for at least one annotation entry.  Nested Ands are flattened,
// so their annotation children join the same entry.  And() matches every
// record.
func And(preds ...Predicate) Predicate {
	a := &andPredicate{}
	for _, p := range preds {
		a.add(p)
	}
	return a
}

func (a *andPredicate) add(p Predicate) {
	switch p := p.(type) {
	case *andPredicate:
		a.record = append(a.record, p.record...)
		a.annotation = append(a.annotation, p.annotation...)
	case *fieldPredicate:
		if p.field.recordLevel() {
			a.record = append(a.record, p)
		} else {
			a.annotation = append(a.annotation, p)
		}
	default:
		a.record = append(a.record, p)
	}
}

func (a *andPredicate) Match(r *vcf.Record) bool {
	for _, p := range a.record {
		if !p.Match(r) {
			return false
		}
	}
	if len(a.annotation) == 0 {
		return true
	}
	for _, ann := range r.Annotations {
		if a.matchAnnotation(ann) {
			return true
		}
	}
	return false
}

func (a *andPredicate) matchAnnotation(ann vcf.Annotation) bool {
	for _, p := range a.annotation {
		if !p.matchAnnotation(ann) {
			return false
		}
	}
	return true
}

func (a *andPredicate) String() string {
	if len(a.record)+len(a.annotation) == 0 {
		return "true"
	}
	var parts []string
	for _, p := range a.record {
		parts = append(parts, p.String())
	}
	for _, p := range a.annotation {
		parts = append(parts, p.String())
	}
	return strings.Join(parts, " AND ")
}

// MatchingAnnotations returns the annotation entries of r that satisfy the
// annotation-level part of pred, in file order.  For a predicate without an
// annotation-level part it returns all of r's annotations.
func MatchingAnnotations(pred Predicate, r *vcf.Record) []vcf.Annotation {
	var ap annotationPredicate
	switch p := pred.(type) {
	case *andPredicate:
		if len(p.annotation) > 0 {
			ap = p
		}
	case *fieldPredicate:
		if !p.field.recordLevel() {
			ap = p
		}
	}
	if ap == nil {
		return r.Annotations
	}
	var out []vcf.Annotation
	for _, a := range r.Annotations {
		if ap.matchAnnotation(a) {
			out = append(out, a)
		}
	}
	return out
}

type regionPredicate struct {
	u    interval.BEDUnion
	desc string
}

// InRegions matches records whose position lies inside u.  The returned
// predicate keeps its own search state, so it is cheapest on position-sorted
// input and must not be shared between goroutines.
func InRegions(u *interval.BEDUnion, desc string) Predicate {
	return &regionPredicate{u: u.Clone(), desc: desc}
}

func (p *regionPredicate) Match(r *vcf.Record) bool {
	// VCF positions are 1-based, BEDUnion's are 0-based.
	return r.Pos > 0 && p.u.ContainsByName(r.Chrom, interval.PosType(r.Pos-1))
}

func (p *regionPredicate) String() string {
	if p.desc == "" {
		return fmt.Sprintf("in regions (%d bases)", p.u.Bases())
	}
	return "in " + p.desc
}

// Fields returns the distinct fields pred tests, sorted.
func Fields(pred Predicate) []Field {
	seen := map[Field]bool{}
	var walk func(p Predicate)
	walk = func(p Predicate) {
		switch p := p.(type) {
		case *andPredicate:
			for _, c := range p.record {
				walk(c)
			}
			for _, c := range p.annotation {
				walk(c)
			}
		case *fieldPredicate:
			seen[p.field] = true
		}
	}
	walk(pred)
	fields := make([]Field, 0, len(seen))
	for f := range seen {
		fields = append(fields, f)
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i] < fields[j] })
	return fields
}
