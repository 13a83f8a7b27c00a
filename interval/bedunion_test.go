package interval

import (
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

const testBED = `track name=panel
# comment
chr1	2488104	2488172
chr1	2488150	2489273
chr1	2489273	2489907
chr1	2490320	2490438
chr2	100	100
chr3	0	10
`

func TestNewBEDUnion(t *testing.T) {
	u, err := NewBEDUnion(strings.NewReader(testBED), NewBEDOpts{})
	require.NoError(t, err)
	want := map[string][]PosType{
		"chr1": {2488104, 2489907, 2490320, 2490438},
		"chr2": {},
		"chr3": {0, 10},
	}
	if !reflect.DeepEqual(u.nameMap, want) {
		t.Errorf("Wanted: %v  Got: %v", want, u.nameMap)
	}
	expect.EQ(t, u.Bases(), int64(2489907-2488104+2490438-2490320+10))
	expect.EQ(t, u.Chromosomes(), []string{"chr1", "chr3"})
}

func TestNewBEDUnionOneBased(t *testing.T) {
	u, err := NewBEDUnion(strings.NewReader("chr1\t1\t10\n"), NewBEDOpts{OneBasedInput: true})
	require.NoError(t, err)
	expect.EQ(t, u.nameMap["chr1"], []PosType{0, 10})
}

func TestNewBEDUnionErrors(t *testing.T) {
	for _, bed := range []string{
		"chr1\t100\n",
		"chr1\tx\t200\n",
		"chr1\t300\t200\n",
		"chr1\t100\t200\nchr2\t1\t2\nchr1\t300\t400\n",
		"chr1\t500\t600\nchr1\t100\t200\n",
	} {
		_, err := NewBEDUnion(strings.NewReader(bed), NewBEDOpts{})
		expect.NotNil(t, err, "bed=%q", bed)
	}
}

func TestContainsByName(t *testing.T) {
	u, err := NewBEDUnion(strings.NewReader(testBED), NewBEDOpts{})
	require.NoError(t, err)
	tests := []struct {
		chr  string
		pos  PosType
		want bool
	}{
		// Sequential queries.
		{"chr1", 2488103, false},
		{"chr1", 2488104, true},
		{"chr1", 2489906, true},
		{"chr1", 2489907, false},
		{"chr1", 2490400, true},
		// Going backwards falls back to binary search.
		{"chr1", 2488200, true},
		{"chr2", 100, false},
		{"chr3", 9, true},
		{"chrX", 5, false},
		{"chr1", 2490437, true},
	}
	for _, tt := range tests {
		expect.EQ(t, u.ContainsByName(tt.chr, tt.pos), tt.want, "%s:%d", tt.chr, tt.pos)
	}
	c := u.Clone()
	expect.True(t, c.ContainsByName("chr3", 0))
}

func TestNewBEDUnionFromPathGzip(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(tmpdir, "panel.bed.gz")
	f, err := os.Create(path)
	require.NoError(t, err)
	w := gzip.NewWriter(f)
	_, err = w.Write([]byte(testBED))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	u, err := NewBEDUnionFromPath(path, NewBEDOpts{})
	require.NoError(t, err)
	expect.True(t, u.ContainsByName("chr3", 5))
}

func TestParseRegionString(t *testing.T) {
	tests := []struct {
		region  string
		chrName string
		start0  PosType
		end     PosType
	}{
		{"chr1:1-1000", "chr1", 0, 1000},
		{"chr1:1000", "chr1", 999, 1000},
		{"chr1:5-5", "chr1", 4, 5},
		{"chr1", "chr1", 0, math.MaxInt32 - 1},
	}
	for _, tt := range tests {
		result, err := ParseRegionString(tt.region)
		expect.NoError(t, err)
		expect.EQ(t, tt.chrName, result.ChrName)
		expect.EQ(t, tt.start0, result.Start0)
		expect.EQ(t, tt.end, result.End)
	}
	for _, bad := range []string{"", ":1-2", "chr1:0", "chr1:10-5", "chr1:a-b"} {
		_, err := ParseRegionString(bad)
		expect.NotNil(t, err, "region=%q", bad)
	}
}

func TestNewBEDUnionFromRegions(t *testing.T) {
	u, err := NewBEDUnionFromRegions("chr20:31379000-31400000, chr1:100-200,chr20:31000000-31380000")
	require.NoError(t, err)
	expect.EQ(t, u.nameMap["chr20"], []PosType{30999999, 31400000})
	expect.True(t, u.ContainsByName("chr1", 99))
	expect.False(t, u.ContainsByName("chr1", 200))
}
