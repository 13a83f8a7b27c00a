package workspace

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strconv"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/vartriage/fault"
)

// faiLine matches one line of a samtools faidx index: name, length, offset,
// bases per line and bytes per line.
var faiLine = regexp.MustCompile(`^(\S+)\t(\d+)\t(\d+)\t(\d+)\t(\d+)`)

// readFAI returns the sequence lengths listed in a .fai index.
func readFAI(path string) (lengths map[string]int, err error) {
	ctx := vcontext.Background()
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, in, &err)
	lengths = make(map[string]int)
	sc := bufio.NewScanner(in.Reader(ctx))
	for sc.Scan() {
		m := faiLine.FindStringSubmatch(sc.Text())
		if m == nil {
			return nil, fmt.Errorf("invalid index line: %q", sc.Text())
		}
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return nil, fmt.Errorf("invalid sequence length in index line: %q", sc.Text())
		}
		lengths[m[1]] = n
	}
	return lengths, sc.Err()
}

// checkReferenceContigs verifies that every reference sequence named in the
// alignment header appears in the reference FASTA index with the same
// length.  It is skipped when the reference has no .fai.
func checkReferenceContigs(reference, alignment string, refs []*sam.Reference) error {
	fai := reference + ".fai"
	if _, err := os.Stat(fai); err != nil {
		return nil
	}
	lengths, err := readFAI(fai)
	if err != nil {
		return &fault.ConfigError{Kind: fault.MalformedInput, Path: fai, Err: err}
	}
	for _, ref := range refs {
		n, ok := lengths[ref.Name()]
		if !ok {
			return &fault.ConfigError{Kind: fault.MalformedInput, Path: alignment,
				Detail: fmt.Sprintf("contig %s of the alignment header is not in %s", ref.Name(), fai)}
		}
		if n != ref.Len() {
			return &fault.ConfigError{Kind: fault.MalformedInput, Path: alignment,
				Detail: fmt.Sprintf("contig %s has length %d in the alignment header but %d in %s", ref.Name(), ref.Len(), n, fai)}
		}
	}
	return nil
}
