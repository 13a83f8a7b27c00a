package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/grailbio/base/log"
	"github.com/grailbio/vartriage/fault"
	"golang.org/x/sys/unix"
)

// LockName is the lock file created in the locked directory.
const LockName = ".vartriage.lock"

// RunLock is an exclusive advisory lock on a workspace directory.  It keeps
// two pipeline runs from sharing one output directory.
type RunLock struct {
	f *os.File
}

// Lock takes the run lock on dir without blocking.  If another process
// holds it, Lock fails with a *fault.ConfigError of kind Locked.
func Lock(dir string) (*RunLock, error) {
	path := filepath.Join(dir, LockName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		if os.IsPermission(err) {
			return nil, &fault.ConfigError{Kind: fault.PermissionDenied, Path: path, Err: err}
		}
		return nil, &fault.ConfigError{Kind: fault.MissingDirectory, Path: dir, Err: err}
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close() // nolint: errcheck
		return nil, &fault.ConfigError{Kind: fault.Locked, Path: path, Detail: "another run holds the workspace", Err: err}
	}
	if err := f.Truncate(0); err == nil {
		fmt.Fprintf(f, "%d\n", os.Getpid())
	}
	log.Debug.Printf("workspace: locked %s", path)
	return &RunLock{f: f}, nil
}

// Unlock releases the lock.  The lock file itself is left in place.
func (l *RunLock) Unlock() error {
	if l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	if cerr := l.f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	l.f = nil
	return err
}
