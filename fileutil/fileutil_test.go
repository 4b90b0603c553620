package fileutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestAtomicFilePublishOnClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "result.txt")
	af, err := NewAtomicFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := af.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	// nothing visible until Close
	if _, err := os.Stat(path); err == nil {
		t.Error("destination exists before Close")
	}
	if err := af.Close(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Errorf("got %q", data)
	}
}

func TestAtomicFileAbort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "result.txt")
	af, err := NewAtomicFile(path)
	if err != nil {
		t.Fatal(err)
	}
	af.Write([]byte("partial"))
	af.Abort()
	if _, err := os.Stat(path); err == nil {
		t.Error("aborted write reached the destination")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("abort left temp files behind: %v", entries)
	}
}

func TestAtomicFileKeepsPreviousContents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "result.txt")
	if err := os.WriteFile(path, []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}
	af, err := NewAtomicFile(path)
	if err != nil {
		t.Fatal(err)
	}
	af.Write([]byte("incomplete"))
	af.Abort()
	data, _ := os.ReadFile(path)
	if string(data) != "old" {
		t.Errorf("previous contents lost: %q", data)
	}
}

func TestSafeUpdateMerges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map-index.txt")
	if err := SafeUpdate(path, map[string]bool{"0 disco://a/x": true}); err != nil {
		t.Fatal(err)
	}
	if err := SafeUpdate(path, map[string]bool{"1 disco://b/y": true}); err != nil {
		t.Fatal(err)
	}
	// duplicate entry collapses
	if err := SafeUpdate(path, map[string]bool{"0 disco://a/x": true}); err != nil {
		t.Fatal(err)
	}
	lines, err := ReadLines(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 2 {
		t.Fatalf("got %d entries, want 2: %v", len(lines), lines)
	}
}

// TestSafeUpdateConcurrent checks the additive-union guarantee: any
// interleaving of sibling writers keeps every entry.
func TestSafeUpdateConcurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map-index.txt")
	const writers = 16
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func(id int) {
			defer wg.Done()
			entry := fmt.Sprintf("%d disco://host/part-%d", id, id)
			if err := SafeUpdate(path, map[string]bool{entry: true}); err != nil {
				t.Errorf("writer %d: %v", id, err)
			}
		}(i)
	}
	wg.Wait()
	lines, err := ReadLines(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != writers {
		t.Fatalf("lost entries: got %d, want %d:\n%s", len(lines), writers, strings.Join(lines, "\n"))
	}
}

func TestEnsureFileFetchesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.dl")
	calls := 0
	data := func() ([]byte, error) {
		calls++
		return []byte("pack"), nil
	}
	if err := EnsureFile(path, data, 0444); err != nil {
		t.Fatal(err)
	}
	if err := EnsureFile(path, data, 0444); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("data fetched %d times, want 1", calls)
	}
	if got, _ := os.ReadFile(path); string(got) != "pack" {
		t.Errorf("got %q", got)
	}
}

func TestWriteFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "lib")
	files := map[string][]byte{
		"words.txt":     []byte("a b c"),
		"sub/extra.bin": {0x00, 0x01},
	}
	if err := WriteFiles(files, dir); err != nil {
		t.Fatal(err)
	}
	for name, want := range files {
		got, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != string(want) {
			t.Errorf("%s: got %q, want %q", name, got, want)
		}
	}
}
