package workspace

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"github.com/grailbio/vartriage/fault"
	"github.com/stretchr/testify/require"
)

func writeBAM(t *testing.T, path string) {
	ref, err := sam.NewReference("chr20", "", "", 64444167, nil, nil)
	require.NoError(t, err)
	header, err := sam.NewHeader(nil, []*sam.Reference{ref})
	require.NoError(t, err)
	f, err := os.Create(path)
	require.NoError(t, err)
	w, err := bam.NewWriter(f, header, 1)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
}

// newWorkspace creates an input directory holding a reference and an
// alignment; output and temp directories are left for Validate to create.
func newWorkspace(t *testing.T, root string) Config {
	cfg := New(root, "ref.fa", "sample.bam")
	require.NoError(t, os.MkdirAll(cfg.InputDir, 0755))
	require.NoError(t, ioutil.WriteFile(cfg.Reference(), []byte(">chr20\nACGT\n"), 0644))
	writeBAM(t, cfg.Alignment())
	return cfg
}

func TestValidate(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	cfg := newWorkspace(t, tmpdir)

	assert.NoError(t, Validate(cfg, DefaultValidateOpts))
	for _, dir := range []string{cfg.OutputDir, cfg.TempDir} {
		info, err := os.Stat(dir)
		assert.NoError(t, err)
		expect.True(t, info.IsDir())
	}
	// Validating twice is harmless.
	assert.NoError(t, Validate(cfg, DefaultValidateOpts))
}

func TestValidateMissingDirectory(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	cfg := newWorkspace(t, tmpdir)
	cfg.InputDir = filepath.Join(tmpdir, "no_such_input")

	err := Validate(cfg, DefaultValidateOpts)
	ce, ok := err.(*fault.ConfigError)
	require.True(t, ok, "got %v", err)
	expect.EQ(t, ce.Kind, fault.MissingDirectory)
	expect.EQ(t, ce.Path, cfg.InputDir)
}

func TestValidateInputs(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	cfg := newWorkspace(t, tmpdir)
	missing := cfg
	missing.ReferencePath = "absent.fa"
	err := Validate(missing, DefaultValidateOpts)
	expect.True(t, fault.IsConfig(err, fault.MissingInput), "got %v", err)
	expect.EQ(t, err.(*fault.ConfigError).Path, missing.Reference())

	empty := cfg
	empty.ReferencePath = "empty.fa"
	require.NoError(t, ioutil.WriteFile(empty.Reference(), nil, 0644))
	err = Validate(empty, DefaultValidateOpts)
	expect.True(t, fault.IsConfig(err, fault.MissingInput), "got %v", err)

	garbage := cfg
	garbage.AlignmentPath = "garbage.bam"
	require.NoError(t, ioutil.WriteFile(garbage.Alignment(), []byte("not a bam file at all"), 0644))
	err = Validate(garbage, DefaultValidateOpts)
	expect.True(t, fault.IsConfig(err, fault.MalformedInput), "got %v", err)
	// The header check is optional.
	assert.NoError(t, Validate(garbage, ValidateOpts{}))
}

func TestValidateReferenceIndex(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	cfg := newWorkspace(t, tmpdir)
	fai := cfg.Reference() + ".fai"

	require.NoError(t, ioutil.WriteFile(fai, []byte("chr20\t64444167\t7\t60\t61\n"), 0644))
	assert.NoError(t, Validate(cfg, DefaultValidateOpts))

	require.NoError(t, ioutil.WriteFile(fai, []byte("chr20\t4\t7\t4\t5\n"), 0644))
	err := Validate(cfg, DefaultValidateOpts)
	expect.True(t, fault.IsConfig(err, fault.MalformedInput), "got %v", err)
	expect.EQ(t, err.(*fault.ConfigError).Path, cfg.Alignment())

	require.NoError(t, ioutil.WriteFile(fai, []byte("1\t64444167\t7\t60\t61\n"), 0644))
	err = Validate(cfg, DefaultValidateOpts)
	expect.True(t, fault.IsConfig(err, fault.MalformedInput), "got %v", err)

	require.NoError(t, ioutil.WriteFile(fai, []byte("chr20 not an index\n"), 0644))
	err = Validate(cfg, DefaultValidateOpts)
	expect.True(t, fault.IsConfig(err, fault.MalformedInput), "got %v", err)
	expect.EQ(t, err.(*fault.ConfigError).Path, fai)
}

func TestValidatePermissionDenied(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced for root")
	}
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	cfg := newWorkspace(t, tmpdir)
	require.NoError(t, os.Chmod(cfg.Reference(), 0))
	err := Validate(cfg, DefaultValidateOpts)
	expect.True(t, fault.IsConfig(err, fault.PermissionDenied), "got %v", err)
}

func TestValidateNeverTouchesInput(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	cfg := newWorkspace(t, tmpdir)
	before, err := ioutil.ReadFile(cfg.Reference())
	require.NoError(t, err)
	assert.NoError(t, Validate(cfg, DefaultValidateOpts))
	after, err := ioutil.ReadFile(cfg.Reference())
	require.NoError(t, err)
	expect.EQ(t, string(after), string(before))
}

func TestLock(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	l, err := Lock(tmpdir)
	require.NoError(t, err)
	_, err = Lock(tmpdir)
	expect.True(t, fault.IsConfig(err, fault.Locked), "got %v", err)
	assert.NoError(t, l.Unlock())

	l, err = Lock(tmpdir)
	require.NoError(t, err)
	assert.NoError(t, l.Unlock())
	assert.NoError(t, l.Unlock())
}
