package vcf

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Annotation is one functional annotation entry (one allele/transcript pair),
// keyed by the header's sub-field names plus the canonical keys.
type Annotation map[string]string

// Record is one data line of a VCF.  Its string fields alias Line.
type Record struct {
	Chrom string
	// Pos is the 1-based position.
	Pos    int
	ID     string
	Ref    string
	Alt    string
	Qual   string
	Filter string
	// Info is the raw INFO column.
	Info        string
	Annotations []Annotation
	// Line is the full text of the line, without its terminator.
	Line string
}

// InfoValue returns the value of key in the INFO column.  Flags have an empty
// value.
func (r *Record) InfoValue(key string) (string, bool) {
	return infoValue(r.Info, key)
}

func infoValue(info, key string) (string, bool) {
	for len(info) > 0 {
		var kv string
		if i := strings.IndexByte(info, ';'); i >= 0 {
			kv, info = info[:i], info[i+1:]
		} else {
			kv, info = info, ""
		}
		if !strings.HasPrefix(kv, key) {
			continue
		}
		if len(kv) == len(key) {
			return "", true
		}
		if kv[len(key)] == '=' {
			return kv[len(key)+1:], true
		}
	}
	return "", false
}

// ParseLine parses one data line.  h supplies the annotation layout; nil means
// NewHeader().  The line must have at least the eight fixed columns and an
// integral position.
func ParseLine(h *Header, line string) (*Record, error) {
	if h == nil {
		h = NewHeader()
	}
	line = strings.TrimSuffix(line, "\r")
	cols := strings.SplitN(line, "\t", 9)
	if len(cols) < 8 {
		return nil, errors.Errorf("expected at least 8 tab-separated columns, got %d", len(cols))
	}
	if cols[0] == "" || cols[3] == "" || cols[4] == "" {
		return nil, errors.New("empty CHROM, REF or ALT column")
	}
	pos, err := strconv.Atoi(cols[1])
	if err != nil || pos < 0 {
		return nil, errors.Errorf("invalid position %q", cols[1])
	}
	r := &Record{
		Chrom:  cols[0],
		Pos:    pos,
		ID:     cols[2],
		Ref:    cols[3],
		Alt:    cols[4],
		Qual:   cols[5],
		Filter: cols[6],
		Info:   cols[7],
		Line:   line,
	}
	if ann, ok := infoValue(r.Info, h.AnnotationKey); ok && ann != "" {
		r.Annotations = parseAnnotations(ann, h.AnnotationFields)
	}
	return r, nil
}

func parseAnnotations(value string, fields []string) []Annotation {
	entries := strings.Split(value, ",")
	anns := make([]Annotation, 0, len(entries))
	for _, entry := range entries {
		a := make(Annotation, len(fields)+len(CanonicalKeys))
		for i, v := range strings.Split(entry, "|") {
			if i >= len(fields) {
				break
			}
			a[fields[i]] = v
		}
		for _, key := range CanonicalKeys {
			for _, src := range canonicalSources[key] {
				if v := a[src]; v != "" {
					a[key] = v
					break
				}
			}
		}
		anns = append(anns, a)
	}
	return anns
}
