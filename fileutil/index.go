package fileutil

//
// index manifests are plain files of "<id> <url>" lines, appended to
// by every sibling task of a job over its lifetime. updates must be an
// additive union: no interleaving of concurrent writers may lose an
// entry. SafeUpdate takes an advisory flock on a lock file next to the
// manifest (serializing sibling processes on the node) plus a process
// mutex (serializing sibling goroutines in tests), then merges under
// the lock and republishes atomically.
//

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/sasha-s/go-deadlock"
)

var indexMu deadlock.Mutex

// SafeUpdate merges entries into the manifest at path. Each entry is a
// full "<id> <url>" line. Existing lines are preserved; duplicates
// collapse, which is harmless since readers treat presence as true.
func SafeUpdate(path string, entries map[string]bool) error {
	indexMu.Lock()
	defer indexMu.Unlock()

	if err := EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	lock, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	defer lock.Close()
	if err := syscall.Flock(int(lock.Fd()), syscall.LOCK_EX); err != nil {
		return err
	}
	defer syscall.Flock(int(lock.Fd()), syscall.LOCK_UN)

	merged := map[string]bool{}
	existing, err := ReadLines(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, line := range existing {
		merged[line] = true
	}
	for line := range entries {
		merged[line] = true
	}

	lines := make([]string, 0, len(merged))
	for line := range merged {
		lines = append(lines, line)
	}
	sort.Strings(lines)

	af, err := NewAtomicFile(path)
	if err != nil {
		return err
	}
	for _, line := range lines {
		if _, err := af.Write([]byte(line + "\n")); err != nil {
			af.Abort()
			return err
		}
	}
	return af.Close()
}

// ReadLines returns the manifest's non-empty lines.
func ReadLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}
