package worker

//
// external collaborators. the scheduler, durable storage and the OOB
// lookup service live outside this engine; these interfaces are what
// the engine needs from them, with local-filesystem implementations
// sufficient for same-host operation and tests.
//

import (
	"crypto/md5"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"disco/fileutil"
	"disco/settings"
)

// Storage pushes finished output blobs to durable storage and returns
// the URL under which the result set is addressable.
type Storage interface {
	Push(blobs []string, jobname, master string) (string, error)
}

// OOBClient resolves an out-of-band key for a job.
type OOBClient interface {
	Lookup(master, jobname, key string) ([]byte, error)
}

// JobPackClient fetches the packed job descriptor from the master.
type JobPackClient interface {
	JobPack(jobname string) ([]byte, error)
}

// LocalStorage copies blobs into a per-job directory under the node
// root. Stands in for the distributed storage layer.
type LocalStorage struct {
	Settings settings.Settings
}

func (s *LocalStorage) Push(blobs []string, jobname, master string) (string, error) {
	dir := filepath.Join(s.Settings.Root(), "ddfs", jobname)
	if err := fileutil.EnsureDir(dir); err != nil {
		return "", err
	}
	for _, blob := range blobs {
		if err := copyFile(blob, filepath.Join(dir, filepath.Base(blob))); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("tag://%s/disco:job:results:%s", master, jobname), nil
}

// LocalOOB reads OOB values straight off this host's data tree.
type LocalOOB struct {
	Settings settings.Settings
	Host     string
}

func (o *LocalOOB) Lookup(master, jobname, key string) ([]byte, error) {
	hex := fmt.Sprintf("%x", md5.Sum([]byte(jobname)))[:2]
	path := filepath.Join(o.Settings.Root(), o.Settings.Data(),
		o.Host, hex, jobname, "oob", key)
	return os.ReadFile(path)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	af, err := fileutil.NewAtomicFile(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(af, in); err != nil {
		af.Abort()
		return err
	}
	return af.Close()
}
