package query

import (
	"context"

	"github.com/grailbio/base/log"
	"github.com/grailbio/vartriage/fault"
	"github.com/grailbio/vartriage/vcf"
)

// Opts controls a query.
type Opts struct {
	// MaxLoggedSkips is the number of malformed lines reported individually at
	// debug level.  The total is always available from Stats.
	MaxLoggedSkips int
	// CheckInterval is how many lines are read between context checks.
	CheckInterval int
}

// DefaultOpts is the default query configuration.
var DefaultOpts = Opts{
	MaxLoggedSkips: 10,
	CheckInterval:  1024,
}

// Stats summarizes a scan so far.
type Stats struct {
	// Scanned counts well-formed records.
	Scanned int
	// Matched counts records that satisfied the predicate.
	Matched int
	// Skipped counts malformed data lines.
	Skipped int
	// Genes holds the distinct gene symbols seen, only when the predicate tests
	// Gene.  SuggestGenes uses it when nothing matched.
	Genes map[string]struct{}
}

// Scanner yields the records of one file that match a predicate, in file
// order.  It reads lazily: each Scan reads only as far as the next match.
type Scanner struct {
	ctx   context.Context
	path  string
	pred  Predicate
	opts  Opts
	r     *vcf.Reader
	rec   *vcf.Record
	stats Stats
	err   error
	done  bool
	// lines counts reader calls, for context checks.
	lines int
}

// Run opens path and returns a Scanner over its records matching pred; a nil
// pred matches everything.  Each call reads the file afresh, so repeated runs
// over an unchanged file yield the same records.  A file that cannot be opened
// or read yields a *fault.QueryError of kind UnreadableFile.  The caller must
// Close the Scanner.
func Run(ctx context.Context, path string, pred Predicate, opts Opts) (*Scanner, error) {
	if pred == nil {
		pred = And()
	}
	r, err := vcf.Open(ctx, path)
	if err != nil {
		return nil, &fault.QueryError{Kind: fault.UnreadableFile, Path: path, Err: err}
	}
	s := &Scanner{ctx: ctx, path: path, pred: pred, opts: opts, r: r}
	for _, f := range Fields(pred) {
		if f == Gene {
			s.stats.Genes = make(map[string]struct{})
		}
	}
	r.OnSkip(func(lineNum int, line string, err error) {
		if r.Skipped() <= s.opts.MaxLoggedSkips {
			log.Debug.Printf("%s:%d: skipping malformed line: %v", path, lineNum, err)
		}
	})
	log.Debug.Printf("query %s: %s", path, pred)
	return s, nil
}

// Header returns the file's header.
func (s *Scanner) Header() *vcf.Header { return s.r.Header }

// Predicate returns the predicate being evaluated.
func (s *Scanner) Predicate() Predicate { return s.pred }

// Scan advances to the next matching record.  It returns false when the file
// is exhausted, on a read error or when the context is done; Err tells them
// apart.
func (s *Scanner) Scan() bool {
	if s.done {
		return false
	}
	for {
		if s.opts.CheckInterval <= 1 || s.lines%s.opts.CheckInterval == 0 {
			if err := s.ctx.Err(); err != nil {
				s.finish(err)
				return false
			}
		}
		s.lines++
		if !s.r.Scan() {
			var err error
			if rerr := s.r.Err(); rerr != nil {
				err = &fault.QueryError{Kind: fault.UnreadableFile, Path: s.path, Err: rerr}
			}
			s.finish(err)
			return false
		}
		rec := s.r.Record()
		s.stats.Scanned++
		if s.stats.Genes != nil {
			for _, a := range rec.Annotations {
				if g := a[vcf.Gene]; g != "" {
					s.stats.Genes[g] = struct{}{}
				}
			}
		}
		if s.pred.Match(rec) {
			s.stats.Matched++
			s.rec = rec
			return true
		}
	}
}

func (s *Scanner) finish(err error) {
	s.done = true
	s.rec = nil
	s.err = err
	s.stats.Skipped = s.r.Skipped()
	if err != nil {
		log.Error.Printf("query %s stopped after %d record(s): %v", s.path, s.stats.Scanned, err)
		return
	}
	log.Printf("query %s: %d record(s) scanned, %d matched, %d malformed line(s) skipped",
		s.path, s.stats.Scanned, s.stats.Matched, s.stats.Skipped)
}

// Record returns the record found by the last successful Scan.
func (s *Scanner) Record() *vcf.Record { return s.rec }

// Err returns the error that ended the scan: a *fault.QueryError for a read
// failure, or the context's error on cancellation.  It is nil at a clean EOF.
func (s *Scanner) Err() error { return s.err }

// Stats returns the counts so far.
func (s *Scanner) Stats() Stats {
	st := s.stats
	st.Skipped = s.r.Skipped()
	return st
}

// Close releases the file.  Stopping early is fine.
func (s *Scanner) Close() error {
	s.done = true
	return s.r.Close()
}

// Collect runs a query to completion and returns the matching records.
func Collect(ctx context.Context, path string, pred Predicate, opts Opts) ([]*vcf.Record, Stats, error) {
	s, err := Run(ctx, path, pred, opts)
	if err != nil {
		return nil, Stats{}, err
	}
	var recs []*vcf.Record
	for s.Scan() {
		recs = append(recs, s.Record())
	}
	stats := s.Stats()
	if err := s.Err(); err != nil {
		_ = s.Close()
		return recs, stats, err
	}
	return recs, stats, s.Close()
}
