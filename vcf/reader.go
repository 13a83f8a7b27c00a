package vcf

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

const initialLineBuffer = 64 << 10

// maxLineBytes bounds the memory held for one line.  A longer data line is
// consumed and skipped like any other malformed line.
var maxLineBytes = 256 << 20

var errLongLine = errors.New("line exceeds the maximum length")

// Reader streams the records of a VCF.  Malformed data lines are skipped and
// counted; only I/O errors stop it.
//
// Usage:
//   r, err := vcf.Open(ctx, path)
//   ...
//   defer r.Close()
//   for r.Scan() {
//     rec := r.Record()
//   }
//   if err := r.Err(); err != nil { ... }
type Reader struct {
	Header *Header

	br          *bufio.Reader
	pending     string
	pendingErr  error
	havePending bool
	lineNum     int
	rec         *Record
	err         error
	skipped     int
	onSkip      func(lineNum int, line string, err error)
	closers     []func() error
}

// NewReader reads the header of the VCF in r and returns a Reader positioned at
// the first data line.
func NewReader(r io.Reader) (*Reader, error) {
	vr := &Reader{Header: NewHeader(), br: bufio.NewReaderSize(r, initialLineBuffer)}
	for {
		line, err := vr.readLine()
		if err == io.EOF {
			break
		}
		if err != nil && err != errLongLine {
			return nil, errors.Wrap(err, "read VCF header")
		}
		vr.lineNum++
		if err != nil || !strings.HasPrefix(line, "#") {
			vr.pending, vr.pendingErr, vr.havePending = line, err, true
			break
		}
		vr.Header.Add(line)
	}
	return vr, nil
}

// readLine returns the next line without its terminator.  A line longer than
// maxLineBytes is consumed entirely and reported as errLongLine.
func (r *Reader) readLine() (string, error) {
	var (
		buf     []byte
		tooLong bool
	)
	for {
		frag, err := r.br.ReadSlice('\n')
		if !tooLong {
			if len(buf)+len(frag) > maxLineBytes {
				tooLong, buf = true, nil
			} else {
				buf = append(buf, frag...)
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err == io.EOF && (len(buf) > 0 || tooLong) {
			err = nil
		}
		if err != nil {
			return "", err
		}
		if tooLong {
			return "", errLongLine
		}
		line := strings.TrimSuffix(string(buf), "\n")
		return strings.TrimSuffix(line, "\r"), nil
	}
}

// Open opens the VCF at path, which may be gzip- or bgzip-compressed, and
// reads its header.
func Open(ctx context.Context, path string) (r *Reader, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	closeIn := func() error { return in.Close(ctx) }
	br := bufio.NewReader(in.Reader(ctx))
	var src io.Reader = br
	var closers []func() error
	if magic, _ := br.Peek(2); fileio.DetermineType(path) == fileio.Gzip || (len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b) {
		gz, err := gzip.NewReader(br)
		if err != nil {
			_ = closeIn()
			return nil, errors.Wrap(err, "open gzip stream")
		}
		src = gz
		closers = append(closers, gz.Close)
	}
	closers = append(closers, closeIn)
	if r, err = NewReader(src); err != nil {
		for _, c := range closers {
			_ = c()
		}
		return nil, err
	}
	r.closers = closers
	return r, nil
}

// OnSkip installs fn to be called for each malformed data line.
func (r *Reader) OnSkip(fn func(lineNum int, line string, err error)) {
	r.onSkip = fn
}

// Scan advances to the next well-formed record.  It returns false at EOF or on
// a read error.
func (r *Reader) Scan() bool {
	if r.err != nil {
		return false
	}
	for {
		var (
			line string
			err  error
		)
		if r.havePending {
			line, err, r.havePending = r.pending, r.pendingErr, false
		} else {
			line, err = r.readLine()
			if err != nil && err != errLongLine {
				if err != io.EOF {
					r.err = errors.Wrapf(err, "read VCF line %d", r.lineNum+1)
				}
				r.rec = nil
				return false
			}
			r.lineNum++
		}
		if err == nil {
			if line == "" || line[0] == '#' {
				continue
			}
			var rec *Record
			if rec, err = ParseLine(r.Header, line); err == nil {
				r.rec = rec
				return true
			}
		}
		r.skipped++
		if r.onSkip != nil {
			r.onSkip(r.lineNum, line, err)
		}
	}
}

// Record returns the record read by the last successful Scan.
func (r *Reader) Record() *Record { return r.rec }

// Err returns the read error that stopped Scan, if any.
func (r *Reader) Err() error { return r.err }

// Skipped returns the number of malformed data lines skipped so far.
func (r *Reader) Skipped() int { return r.skipped }

// LineNum returns the number of lines consumed so far.
func (r *Reader) LineNum() int { return r.lineNum }

// Close releases the underlying file, if the Reader was created by Open.
func (r *Reader) Close() error {
	var first error
	for _, c := range r.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	r.closers = nil
	return first
}
