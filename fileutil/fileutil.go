package fileutil

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// AtomicFile stages writes in a uniquely named temp file in the target
// directory and renames it over the destination on Close. Readers of
// the destination never observe a partial write, and a task that dies
// mid-write leaves the previous contents intact.
type AtomicFile struct {
	f    *os.File
	path string
	tmp  string
}

func NewAtomicFile(path string) (*AtomicFile, error) {
	if err := EnsureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}
	// the suffix keeps sibling tasks staging the same destination
	// from clobbering each other's temp files.
	tmp := fmt.Sprintf("%s.%s.partial", path, uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}
	return &AtomicFile{f: f, path: path, tmp: tmp}, nil
}

func (a *AtomicFile) Write(p []byte) (int, error) {
	return a.f.Write(p)
}

// Close publishes the staged contents at the destination path.
func (a *AtomicFile) Close() error {
	if err := a.f.Sync(); err != nil {
		a.Abort()
		return err
	}
	if err := a.f.Close(); err != nil {
		os.Remove(a.tmp)
		return err
	}
	return os.Rename(a.tmp, a.path)
}

// Abort discards the staged contents without touching the destination.
func (a *AtomicFile) Abort() {
	a.f.Close()
	os.Remove(a.tmp)
}

func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0755)
}

// EnsureFile creates path with the given contents unless it already
// exists. data is only invoked on a miss, so an expensive fetch (e.g.
// pulling the jobpack from the master) happens at most once per job
// per node.
func EnsureFile(path string, data func() ([]byte, error), mode os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	buf, err := data()
	if err != nil {
		return err
	}
	af, err := NewAtomicFile(path)
	if err != nil {
		return err
	}
	if _, err := af.Write(buf); err != nil {
		af.Abort()
		return err
	}
	if err := af.Close(); err != nil {
		return err
	}
	return os.Chmod(path, mode)
}

// WriteFiles lays out the given name -> contents table under dir,
// used to stage a job's required files before execution.
func WriteFiles(files map[string][]byte, dir string) error {
	for name, data := range files {
		path := filepath.Join(dir, name)
		if err := EnsureDir(filepath.Dir(path)); err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return err
		}
	}
	return nil
}
