package workspace

import (
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/vartriage/fault"
)

// checkBAMHeader decodes just the header of a BAM file, which is enough to
// catch truncated or non-BAM inputs before a multi-hour variant calling job.
// It returns the header's reference sequences.
func checkBAMHeader(path string) (refs []*sam.Reference, err error) {
	ctx := vcontext.Background()
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, &fault.ConfigError{Kind: fault.MissingInput, Path: path, Err: err}
	}
	defer func() {
		if cerr := in.Close(ctx); cerr != nil && err == nil {
			refs, err = nil, &fault.ConfigError{Kind: fault.MalformedInput, Path: path, Err: cerr}
		}
	}()
	r, err := bam.NewReader(in.Reader(ctx), 1)
	if err != nil {
		return nil, &fault.ConfigError{Kind: fault.MalformedInput, Path: path, Detail: "cannot decode BAM header", Err: err}
	}
	refs = r.Header().Refs()
	if err := r.Close(); err != nil {
		return nil, &fault.ConfigError{Kind: fault.MalformedInput, Path: path, Err: err}
	}
	if len(refs) == 0 {
		return nil, &fault.ConfigError{Kind: fault.MalformedInput, Path: path, Detail: "BAM header has no reference sequences"}
	}
	log.Debug.Printf("workspace: %s: BAM header lists %d reference(s)", path, len(refs))
	return refs, nil
}
