package worker

//
// ReduceReader is the shuffle/sort engine. Input locators expand to
// the concrete URLs this partition must fetch (a dir:// locator stands
// for an index manifest, one entry per contributing map task), the URL
// order is randomized to spread fetch load across source hosts, and
// the resulting stream is delivered unsorted, sorted in memory, or
// sorted externally depending on configuration and total input size.
//

import (
	"bufio"
	"io"
	"math/rand"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"disco/fileutil"
)

var shuffleRng = struct {
	sync.Mutex
	rand *rand.Rand
}{
	rand: rand.New(rand.NewSource(time.Now().UTC().UnixNano())),
}

type ReduceReader struct {
	task   *Task
	ctx    *Context
	inputs []string
}

func newReduceReader(t *Task, ctx *Context) (*ReduceReader, error) {
	if t.JobDict.ReaderFor(PhaseReduce) == nil {
		return nil, Failf("job has no input reader")
	}
	var inputs []string
	for _, locator := range t.Inputs {
		urls, err := t.expandInput(locator)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, urls...)
	}
	shuffleRng.Lock()
	shuffleRng.rand.Shuffle(len(inputs), func(i, j int) {
		inputs[i], inputs[j] = inputs[j], inputs[i]
	})
	shuffleRng.Unlock()
	return &ReduceReader{task: t, ctx: ctx, inputs: inputs}, nil
}

// expandInput resolves one locator into concrete URLs. dir:// points
// at an index manifest; the entries whose id matches this task's
// partition id are the URLs to fetch, one per contributing map task.
func (t *Task) expandInput(locator string) ([]string, error) {
	if !strings.HasPrefix(locator, "dir://") {
		return []string{locator}, nil
	}
	fd, _, err := t.OpenURL(locator)
	if err != nil {
		return nil, err
	}
	defer fd.Close()

	var urls []string
	scanner := bufio.NewScanner(fd)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			return nil, Failf("malformed index entry %q in %s", line, locator)
		}
		id, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, Failf("malformed index entry %q in %s", line, locator)
		}
		if id == t.ID {
			urls = append(urls, parts[1])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return urls, nil
}

// Iter opens the shuffled input as a single record stream.
func (r *ReduceReader) Iter() (Iterator, error) {
	if !r.task.JobDict.Sort {
		return r.multiFileIterator(r.task.JobDict.ReaderFor(PhaseReduce), r.inputs, true), nil
	}

	// probe every source for its size only; the handles are dropped
	// without reading a single record.
	var total int64
	for _, url := range r.inputs {
		fd, size, _, err := r.task.ConnectInput(url, r.ctx)
		if err != nil {
			return nil, err
		}
		closeHandle(fd)
		total += size
	}
	r.task.Emitter.Message("reduce[%d] input is %.2fMB", r.task.ID,
		float64(total)/(1024*1024))

	if total > r.task.JobDict.MemSortLimit {
		return r.downloadAndSort()
	}
	return r.memorySort()
}

// memorySort materializes the whole input and sorts it with the
// numeric-aware comparator.
func (r *ReduceReader) memorySort() (Iterator, error) {
	r.task.Emitter.Message("sorting in memory")
	in := r.multiFileIterator(r.task.JobDict.ReaderFor(PhaseReduce), r.inputs, false)
	var kvs []KV
	for {
		kv, err := in.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		kvs = append(kvs, kv)
	}
	sort.SliceStable(kvs, func(i, j int) bool {
		return kvLess(kvs[i], kvs[j])
	})
	return r.task.TrackStatus(&sliceIterator{kvs: kvs}, "%d entries reduced"), nil
}

// downloadAndSort spills every record to a local file in the
// "key SP value NUL" format and defers to the external sort utility.
// The spill grammar is enforced record by record: a space in a key or
// a NUL in a value would corrupt the file, so either fails the task
// before the spill is finalized.
func (r *ReduceReader) downloadAndSort() (Iterator, error) {
	dlname := r.task.Path("REDUCE_DL", r.task.ID)
	r.task.Emitter.Message("reduce input will be downloaded to %s", dlname)

	af, err := fileutil.NewAtomicFile(dlname)
	if err != nil {
		return nil, err
	}
	out := bufio.NewWriter(af)
	reader := r.task.JobDict.ReaderFor(PhaseReduce)
	for _, url := range r.inputs {
		fd, size, resolved, err := r.task.ConnectInput(url, r.ctx)
		if err != nil {
			af.Abort()
			return nil, err
		}
		in := reader(fd, size, resolved, r.ctx)
		for {
			kv, err := in.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				closeHandle(fd)
				af.Abort()
				return nil, err
			}
			if strings.Contains(kv.Key, " ") {
				closeHandle(fd)
				af.Abort()
				return nil, Failf("spaces are not allowed in keys with external sort")
			}
			if strings.ContainsRune(kv.Value, 0) {
				closeHandle(fd)
				af.Abort()
				return nil, Failf("zero bytes are not allowed in values with external sort, consider base64 encoding")
			}
			if _, err := out.WriteString(kv.Key + " " + kv.Value + "\x00"); err != nil {
				closeHandle(fd)
				af.Abort()
				return nil, err
			}
		}
		closeHandle(fd)
	}
	if err := out.Flush(); err != nil {
		af.Abort()
		return nil, err
	}
	if err := af.Close(); err != nil {
		return nil, err
	}
	r.task.Emitter.Message("reduce input downloaded ok")

	r.task.Emitter.Message("starting external sort")
	sortname := r.task.Path("REDUCE_SORTED", r.task.ID)
	cmd := exec.Command("sort", "-n", "-k", "1,1", "-z", "-t", " ", "-o", sortname, dlname)
	if err := cmd.Run(); err != nil {
		return nil, Failf("sorting %s to %s failed (%v)", dlname, sortname, err)
	}
	r.task.Emitter.Message("external sort done: %s", sortname)

	return r.multiFileIterator(nulRecordReader, []string{sortname}, true), nil
}

func (r *ReduceReader) multiFileIterator(reader InputReader, urls []string, progress bool) Iterator {
	it := &chainIterator{
		task:   r.task,
		ctx:    r.ctx,
		reader: reader,
		urls:   urls,
	}
	if progress {
		return r.task.TrackStatus(it, "%d entries reduced")
	}
	return it
}

// kvLess is the sort order for reduce input: numeric when both keys
// parse as integers, otherwise by key then value.
func kvLess(a, b KV) bool {
	an, aerr := strconv.ParseInt(a.Key, 10, 64)
	bn, berr := strconv.ParseInt(b.Key, 10, 64)
	if aerr == nil && berr == nil {
		if an != bn {
			return an < bn
		}
		return a.Value < b.Value
	}
	if a.Key != b.Key {
		return a.Key < b.Key
	}
	return a.Value < b.Value
}

// nulRecordReader parses the external sort's output: NUL-terminated
// records with the key and value split at the first space.
func nulRecordReader(rd io.Reader, size int64, url string, ctx *Context) Iterator {
	return &nulRecordIterator{br: bufio.NewReader(rd)}
}

type nulRecordIterator struct {
	br *bufio.Reader
}

func (it *nulRecordIterator) Next() (KV, error) {
	rec, err := it.br.ReadString(0)
	if err == io.EOF {
		if rec == "" {
			return KV{}, io.EOF
		}
		return KV{}, io.ErrUnexpectedEOF
	}
	if err != nil {
		return KV{}, err
	}
	rec = rec[:len(rec)-1]
	i := strings.IndexByte(rec, ' ')
	if i < 0 {
		return KV{}, Failf("malformed sorted record %q", rec)
	}
	return KV{Key: rec[:i], Value: rec[i+1:]}, nil
}
