package worker_test

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"disco/events"
	"disco/fileutil"
	"disco/funcs"
	"disco/settings"
	"disco/worker"
)

const testHost = "localhost"

func init() {
	worker.Register("pipelinetest/splitWords", worker.MapFunc(splitWords))
}

func testSettings(t *testing.T) settings.Settings {
	t.Helper()
	return settings.Settings{
		"DISCO_ROOT":   t.TempDir(),
		"DISCO_DATA":   "data",
		"DISCO_PORT":   "8989",
		"DISCO_MASTER": testHost,
	}
}

// splitWords is the classic word count map function.
func splitWords(record worker.KV, ctx *worker.Context) ([]worker.KV, error) {
	var kvs []worker.KV
	for _, word := range strings.Fields(record.Key) {
		kvs = append(kvs, worker.KV{Key: word, Value: "1"})
	}
	return kvs, nil
}

func sumValues(key string, values []string, ctx *worker.Context) (string, error) {
	total := 0
	for _, v := range values {
		n, err := strconv.Atoi(v)
		if err != nil {
			return "", err
		}
		total += n
	}
	return strconv.Itoa(total), nil
}

func wordCountDict(nrReduces int) *worker.JobDict {
	jd := &worker.JobDict{
		Map:       splitWords,
		Reduce:    funcs.GroupReduce(sumValues),
		Sort:      true,
		NrReduces: nrReduces,
		MapOpts:   worker.PhaseOpts{Reader: funcs.LineReader},
	}
	funcs.DefaultStreams(jd)
	return jd
}

func writeInput(t *testing.T, dir string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, "input.txt")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func runMapTask(t *testing.T, s settings.Settings, jd *worker.JobDict, id int, input string) *worker.Map {
	t.Helper()
	m, err := worker.NewMap(worker.TaskConfig{
		Host:     testHost,
		ID:       id,
		Inputs:   []string{input},
		JobDict:  jd,
		JobName:  "wordcount@1",
		Master:   testHost,
		Settings: s,
		Emitter:  events.NewEmitter(io.Discard),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Run(); err != nil {
		t.Fatalf("map task %d: %v", id, err)
	}
	return m
}

func runReduceTask(t *testing.T, s settings.Settings, jd *worker.JobDict, id int, inputs []string) *worker.Reduce {
	t.Helper()
	r, err := worker.NewReduce(worker.TaskConfig{
		Host:     testHost,
		ID:       id,
		Inputs:   inputs,
		JobDict:  jd,
		JobName:  "wordcount@1",
		Master:   testHost,
		Settings: s,
		Emitter:  events.NewEmitter(io.Discard),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Run(); err != nil {
		t.Fatalf("reduce task %d: %v", id, err)
	}
	return r
}

func readChainFile(t *testing.T, path string) []worker.KV {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	br := bufio.NewReader(f)
	var kvs []worker.KV
	for {
		kv, err := worker.ReadChainRecord(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		kvs = append(kvs, kv)
	}
	return kvs
}

func TestMapPartitioning(t *testing.T) {
	s := testSettings(t)
	jd := wordCountDict(3)
	jd.Reduce = nil
	input := writeInput(t, t.TempDir(),
		"the quick brown fox",
		"jumps over the lazy dog",
		"the end")
	m := runMapTask(t, s, jd, 0, input)

	total := 0
	for p := 0; p < 3; p++ {
		path, _ := m.MapOutputLoc(p)
		for _, kv := range readChainFile(t, path) {
			if got := funcs.DefaultPartition(kv.Key, 3, nil); got != p {
				t.Errorf("key %q landed in partition %d, partition function says %d",
					kv.Key, p, got)
			}
			total++
		}
	}
	// 4 + 5 + 2 words in, no combiner, so exactly that many pairs out
	if total != 11 {
		t.Errorf("total record count across partitions = %d, want 11", total)
	}

	index, _ := m.MapIndex()
	lines, err := fileutil.ReadLines(index)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 3 {
		t.Errorf("map index has %d entries, want 3:\n%s", len(lines), strings.Join(lines, "\n"))
	}
}

func TestMapRejectsMultipleInputs(t *testing.T) {
	s := testSettings(t)
	jd := wordCountDict(2)
	dir := t.TempDir()
	in1 := writeInput(t, dir, "one")
	m, err := worker.NewMap(worker.TaskConfig{
		Host:     testHost,
		ID:       0,
		Inputs:   []string{in1, in1},
		JobDict:  jd,
		JobName:  "twoinputs@1",
		Master:   testHost,
		Settings: s,
		Emitter:  events.NewEmitter(io.Discard),
	})
	if err != nil {
		t.Fatal(err)
	}
	err = m.Run()
	if err == nil {
		t.Fatal("map accepted two inputs")
	}
	if _, ok := err.(*worker.TaskError); !ok {
		t.Errorf("got %T, want *TaskError", err)
	}
	index, _ := m.MapIndex()
	if _, statErr := os.Stat(index); statErr == nil {
		t.Error("failed map task still published an index")
	}
	if outs, _ := filepath.Glob(filepath.Join(m.JobRoot(), "map-disco-*")); len(outs) != 0 {
		t.Errorf("failed map task left output files: %v", outs)
	}
}

// countingCombiner aggregates "1" values per key in the combiner
// buffer and only emits on the final flush.
func countingCombiner(key, value string, buf map[string]string, done bool, ctx *worker.Context) ([]worker.KV, error) {
	if done {
		var kvs []worker.KV
		for k, v := range buf {
			kvs = append(kvs, worker.KV{Key: k, Value: v})
		}
		return kvs, nil
	}
	n := 0
	if prev, ok := buf[key]; ok {
		n, _ = strconv.Atoi(prev)
	}
	add, err := strconv.Atoi(value)
	if err != nil {
		return nil, err
	}
	buf[key] = strconv.Itoa(n + add)
	return nil, nil
}

func TestCombinerFlush(t *testing.T) {
	s := testSettings(t)
	jd := wordCountDict(1)
	jd.Reduce = nil
	jd.Combiner = countingCombiner
	input := writeInput(t, t.TempDir(),
		"a b a c",
		"b a")
	m := runMapTask(t, s, jd, 0, input)

	path, _ := m.MapOutputLoc(0)
	got := map[string]string{}
	for _, kv := range readChainFile(t, path) {
		got[kv.Key] = kv.Value
	}
	want := map[string]string{"a": "3", "b": "2", "c": "1"}
	if len(got) != len(want) {
		t.Fatalf("combined output %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("combined count for %q = %q, want %q", k, got[k], v)
		}
	}
}

func TestSavePartitionedMapIsFatal(t *testing.T) {
	s := testSettings(t)
	jd := wordCountDict(2)
	jd.Reduce = nil
	jd.Save = true
	input := writeInput(t, t.TempDir(), "a b")
	m, err := worker.NewMap(worker.TaskConfig{
		Host:     testHost,
		ID:       0,
		Inputs:   []string{input},
		JobDict:  jd,
		JobName:  "savepart@1",
		Master:   testHost,
		Settings: s,
		Emitter:  events.NewEmitter(io.Discard),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Run(); err == nil {
		t.Fatal("partitioned map with save and no reduce phase must fail")
	}
}

func mapReduce(t *testing.T, s settings.Settings, jd *worker.JobDict, nrReduces int) map[int][]worker.KV {
	t.Helper()
	dir := t.TempDir()
	in1 := filepath.Join(dir, "in1.txt")
	in2 := filepath.Join(dir, "in2.txt")
	os.WriteFile(in1, []byte("the quick brown fox\nthe lazy dog\n"), 0644)
	os.WriteFile(in2, []byte("the fox again\n"), 0644)

	m0 := runMapTask(t, s, jd, 0, in1)
	runMapTask(t, s, jd, 1, in2)

	_, indexURL := m0.MapIndex()
	results := map[int][]worker.KV{}
	for p := 0; p < nrReduces; p++ {
		r := runReduceTask(t, s, jd, p, []string{indexURL})
		path, _ := r.ReduceOutputLoc()
		results[p] = readChainFile(t, path)
	}
	return results
}

func TestReduceMemorySort(t *testing.T) {
	s := testSettings(t)
	jd := wordCountDict(2)
	jd.MemSortLimit = 1 << 30
	results := mapReduce(t, s, jd, 2)

	counts := map[string]string{}
	total := 0
	for p, kvs := range results {
		for i, kv := range kvs {
			if i > 0 && kvs[i-1].Key > kv.Key {
				t.Errorf("partition %d output out of order: %q after %q", p, kv.Key, kvs[i-1].Key)
			}
			counts[kv.Key] = kv.Value
			total++
		}
	}
	want := map[string]string{
		"the": "3", "quick": "1", "brown": "1", "fox": "2",
		"lazy": "1", "dog": "1", "again": "1",
	}
	if total != len(want) {
		t.Fatalf("got %d distinct keys, want %d: %v", total, len(want), counts)
	}
	for k, v := range want {
		if counts[k] != v {
			t.Errorf("count for %q = %q, want %q", k, counts[k], v)
		}
	}
}

// TestReduceExternalSortMatchesMemorySort forces the external path by
// setting the in-memory limit to zero and checks the user-visible
// order is the same as the in-memory sort produces.
func TestReduceExternalSortMatchesMemorySort(t *testing.T) {
	if _, err := exec.LookPath("sort"); err != nil {
		t.Skip("external sort utility not available")
	}
	inputs := makeNumericInputs(t)

	collect := func(memLimit int64) []worker.KV {
		s := testSettings(t)
		var got []worker.KV
		jd := &worker.JobDict{
			Reduce: func(in worker.Iterator, out worker.Output, ctx *worker.Context) error {
				for {
					kv, err := in.Next()
					if err == io.EOF {
						return nil
					}
					if err != nil {
						return err
					}
					got = append(got, kv)
					if err := out.Add(kv.Key, kv.Value); err != nil {
						return err
					}
				}
			},
			Sort:         true,
			NrReduces:    1,
			MemSortLimit: memLimit,
		}
		funcs.DefaultStreams(jd)
		runReduceTask(t, s, jd, 0, inputs)
		return got
	}

	inMemory := collect(1 << 30)
	external := collect(0)
	if len(inMemory) != len(external) {
		t.Fatalf("in-memory sort saw %d records, external %d", len(inMemory), len(external))
	}
	for i := range inMemory {
		if inMemory[i] != external[i] {
			t.Fatalf("order diverges at %d: in-memory %v, external %v",
				i, inMemory[i], external[i])
		}
	}
	// spot check the numeric order property
	if inMemory[0].Key != "2" || inMemory[len(inMemory)-1].Key != "100" {
		t.Errorf("numeric order violated: first %v, last %v",
			inMemory[0], inMemory[len(inMemory)-1])
	}
}

// makeNumericInputs writes two chain-format files with numeric keys
// that lexicographic ordering would scramble.
func makeNumericInputs(t *testing.T) []string {
	t.Helper()
	dir := t.TempDir()
	files := map[string][]worker.KV{
		"a.chain": {{"10", "ten"}, {"2", "two"}, {"33", "thirtythree"}},
		"b.chain": {{"100", "hundred"}, {"9", "nine"}, {"21", "twentyone"}},
	}
	var paths []string
	for name, kvs := range files {
		path := filepath.Join(dir, name)
		f, err := os.Create(path)
		if err != nil {
			t.Fatal(err)
		}
		for _, kv := range kvs {
			if err := worker.WriteChainRecord(f, kv.Key, kv.Value); err != nil {
				t.Fatal(err)
			}
		}
		f.Close()
		paths = append(paths, path)
	}
	return paths
}

func TestReduceUnsortedStreamsAllInputs(t *testing.T) {
	s := testSettings(t)
	inputs := makeNumericInputs(t)
	seen := map[string]bool{}
	jd := &worker.JobDict{
		Reduce: func(in worker.Iterator, out worker.Output, ctx *worker.Context) error {
			for {
				kv, err := in.Next()
				if err == io.EOF {
					return nil
				}
				if err != nil {
					return err
				}
				seen[kv.Key] = true
				if err := out.Add(kv.Key, kv.Value); err != nil {
					return err
				}
			}
		},
		Sort:      false,
		NrReduces: 1,
	}
	funcs.DefaultStreams(jd)
	runReduceTask(t, s, jd, 0, inputs)
	for _, key := range []string{"10", "2", "33", "100", "9", "21"} {
		if !seen[key] {
			t.Errorf("unsorted stream dropped key %q", key)
		}
	}
}

func TestExternalSortSpillGrammar(t *testing.T) {
	for _, tc := range []struct {
		name string
		kv   worker.KV
	}{
		{"space in key", worker.KV{Key: "bad key", Value: "v"}},
		{"nul in value", worker.KV{Key: "k", Value: "bad\x00value"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := testSettings(t)
			dir := t.TempDir()
			path := filepath.Join(dir, "in.chain")
			f, err := os.Create(path)
			if err != nil {
				t.Fatal(err)
			}
			worker.WriteChainRecord(f, "good", "record")
			worker.WriteChainRecord(f, tc.kv.Key, tc.kv.Value)
			f.Close()

			jd := &worker.JobDict{
				Reduce: func(in worker.Iterator, out worker.Output, ctx *worker.Context) error {
					for {
						if _, err := in.Next(); err == io.EOF {
							return nil
						} else if err != nil {
							return err
						}
					}
				},
				Sort:         true,
				NrReduces:    1,
				MemSortLimit: 0, // force the external path
			}
			funcs.DefaultStreams(jd)
			r, err := worker.NewReduce(worker.TaskConfig{
				Host:     testHost,
				ID:       0,
				Inputs:   []string{path},
				JobDict:  jd,
				JobName:  "spill@1",
				Master:   testHost,
				Settings: s,
				Emitter:  events.NewEmitter(io.Discard),
			})
			if err != nil {
				t.Fatal(err)
			}
			err = r.Run()
			if err == nil {
				t.Fatal("spill accepted a record violating the sort grammar")
			}
			if _, ok := err.(*worker.TaskError); !ok {
				t.Errorf("got %T, want *TaskError", err)
			}
			// the spill file must not have been finalized
			if _, statErr := os.Stat(r.Path("REDUCE_DL", 0)); statErr == nil {
				t.Error("rejected spill was finalized anyway")
			}
		})
	}
}

func TestReduceIndexPublication(t *testing.T) {
	s := testSettings(t)
	jd := wordCountDict(2)
	jd.MemSortLimit = 1 << 30
	dir := t.TempDir()
	input := writeInput(t, dir, "x y z")
	m := runMapTask(t, s, jd, 0, input)
	_, indexURL := m.MapIndex()

	var rt *worker.Reduce
	for p := 0; p < 2; p++ {
		rt = runReduceTask(t, s, jd, p, []string{indexURL})
	}
	index, _ := rt.ReduceIndex()
	lines, err := fileutil.ReadLines(index)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 2 {
		t.Fatalf("reduce index has %d entries, want 2:\n%s", len(lines), strings.Join(lines, "\n"))
	}
	for i, line := range lines {
		if !strings.Contains(line, fmt.Sprintf("reduce-disco-%d", i)) {
			t.Errorf("unexpected reduce index entry %q", line)
		}
	}
}

// a pack that names only its user functions still gets the registered
// default reader, writer, partitioner and stream chains on decode.
func TestJobPackResolvesDefaultStreams(t *testing.T) {
	var buf bytes.Buffer
	err := worker.EncodeJobPack(&buf, &worker.JobPack{
		Map:       "pipelinetest/splitWords",
		NrReduces: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	jd, err := worker.UnpackJobDict(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if jd.Reader == nil || jd.Writer == nil || jd.Partition == nil {
		t.Fatal("decoded pack is missing default functions")
	}
	if len(jd.InputStream) == 0 || len(jd.OutputStream) == 0 {
		t.Fatal("decoded pack is missing default stream chains")
	}

	jd.MapOpts.Reader = funcs.LineReader
	s := testSettings(t)
	input := writeInput(t, t.TempDir(), "a b a")
	m := runMapTask(t, s, jd, 0, input)
	path, _ := m.MapOutputLoc(0)
	if got := len(readChainFile(t, path)); got != 3 {
		t.Errorf("map with pack defaults wrote %d records, want 3", got)
	}
}

type failingCloser struct {
	io.Writer
}

func (f *failingCloser) Close() error {
	return errors.New("destination rejected the flush")
}

// one partition failing to close must not keep the remaining
// partitions' outputs from being released and published.
func TestMapClosesRemainingPartitionsOnError(t *testing.T) {
	s := testSettings(t)
	jd := wordCountDict(3)
	jd.Reduce = nil
	failFirst := func(w io.Writer, part int, url string, ctx *worker.Context) (io.Writer, string, error) {
		if part == 0 {
			return &failingCloser{w}, url, nil
		}
		return w, url, nil
	}
	jd.MapOpts.OutputStream = []worker.OutputStream{funcs.DefaultOutputStream, failFirst}
	input := writeInput(t, t.TempDir(), "the quick brown fox jumps over the lazy dog")
	m, err := worker.NewMap(worker.TaskConfig{
		Host:     testHost,
		ID:       0,
		Inputs:   []string{input},
		JobDict:  jd,
		JobName:  "closefail@1",
		Master:   testHost,
		Settings: s,
		Emitter:  events.NewEmitter(io.Discard),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Run(); err == nil {
		t.Fatal("map succeeded despite a failing partition close")
	}
	for p := 1; p < 3; p++ {
		path, _ := m.MapOutputLoc(p)
		if _, err := os.Stat(path); err != nil {
			t.Errorf("partition %d output was not published: %v", p, err)
		}
	}
}

func TestMapSaveUnpartitioned(t *testing.T) {
	s := testSettings(t)
	jd := &worker.JobDict{
		Map:       splitWords,
		NrReduces: 0,
		Save:      true,
		MapOpts:   worker.PhaseOpts{Reader: funcs.LineReader},
	}
	funcs.DefaultStreams(jd)
	input := writeInput(t, t.TempDir(), "a b c")
	m := runMapTask(t, s, jd, 0, input)
	if blobs := m.Blobs(); len(blobs) != 1 {
		t.Fatalf("expected one output blob, got %v", blobs)
	}
	// LocalStorage landed the blob under the node root
	stored := filepath.Join(s.Root(), "ddfs", "wordcount@1")
	entries, err := os.ReadDir(stored)
	if err != nil || len(entries) != 1 {
		t.Errorf("stored blobs missing under %s: %v %v", stored, entries, err)
	}
}
