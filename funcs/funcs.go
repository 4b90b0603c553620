// Package funcs holds the stock pluggable functions a job gets unless
// its descriptor names replacements: record readers and writers, the
// partitioners, and the default input/output stream openers. All of
// them are registered so jobpacks can select them by name.
package funcs

import (
	"bufio"
	"hash/fnv"
	"io"

	"disco/fileutil"
	"disco/worker"
)

func init() {
	worker.Register("disco.funcs/LineReader", worker.InputReader(LineReader))
	worker.Register("disco.funcs/ChainReader", worker.InputReader(ChainReader))
	worker.Register("disco.funcs/ChainWriter", worker.OutputWriter(ChainWriter))
	worker.Register("disco.funcs/DefaultPartition", worker.PartitionFunc(DefaultPartition))
	worker.Register("disco.funcs/ConsistentPartition", worker.PartitionFunc(ConsistentPartition))
	worker.Register("disco.funcs/DefaultInputStream", worker.InputStream(DefaultInputStream))
	worker.Register("disco.funcs/DefaultOutputStream", worker.OutputStream(DefaultOutputStream))
	worker.RegisterDefaults(DefaultStreams)
}

// LineReader decodes raw input line by line; each line becomes a
// record with an empty value. The usual reader for a map task's
// original input.
func LineReader(r io.Reader, size int64, url string, ctx *worker.Context) worker.Iterator {
	return &lineIterator{scanner: newScanner(r)}
}

func newScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return s
}

type lineIterator struct {
	scanner *bufio.Scanner
}

func (it *lineIterator) Next() (worker.KV, error) {
	if !it.scanner.Scan() {
		if err := it.scanner.Err(); err != nil {
			return worker.KV{}, err
		}
		return worker.KV{}, io.EOF
	}
	return worker.KV{Key: it.scanner.Text()}, nil
}

// ChainReader decodes intermediate data written by ChainWriter.
func ChainReader(r io.Reader, size int64, url string, ctx *worker.Context) worker.Iterator {
	return &chainRecordIterator{br: bufio.NewReader(r)}
}

type chainRecordIterator struct {
	br *bufio.Reader
}

func (it *chainRecordIterator) Next() (worker.KV, error) {
	return worker.ReadChainRecord(it.br)
}

// ChainWriter encodes one record in the chain format, the standard
// encoding for data that flows between phases.
func ChainWriter(w io.Writer, key, value string, ctx *worker.Context) error {
	return worker.WriteChainRecord(w, key, value)
}

// DefaultPartition buckets keys by fnv hash modulo the partition
// count.
func DefaultPartition(key string, nrPartitions int, ctx *worker.Context) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32()&0x7fffffff) % nrPartitions
}

// DefaultInputStream opens the record source: a job-relative URL is
// fetched locally or over HTTP depending on the producing host, a
// bare path straight off the disk.
func DefaultInputStream(r io.Reader, size int64, url string, ctx *worker.Context) (io.Reader, int64, string, error) {
	if r != nil {
		// already opened by an earlier stage
		return r, size, url, nil
	}
	fd, n, err := ctx.Task.OpenURL(url)
	if err != nil {
		return nil, 0, "", err
	}
	return fd, n, url, nil
}

// DefaultOutputStream opens the standard destination for this task and
// partition, staged atomically so a crashed task leaves no partial
// output behind.
func DefaultOutputStream(w io.Writer, part int, url string, ctx *worker.Context) (io.Writer, string, error) {
	if w != nil {
		return w, url, nil
	}
	var path string
	if ctx.Task.Phase() == worker.PhaseReduce {
		path, url = ctx.Task.ReduceOutputLoc()
	} else {
		path, url = ctx.Task.MapOutputLoc(part)
	}
	af, err := fileutil.NewAtomicFile(path)
	if err != nil {
		return nil, "", err
	}
	return af, url, nil
}

// DefaultStreams is the stream chain a job gets when its descriptor
// names none.
func DefaultStreams(j *worker.JobDict) {
	if j.InputStream == nil {
		j.InputStream = []worker.InputStream{DefaultInputStream}
	}
	if j.OutputStream == nil {
		j.OutputStream = []worker.OutputStream{DefaultOutputStream}
	}
	if j.Reader == nil {
		j.Reader = ChainReader
	}
	if j.Writer == nil {
		j.Writer = ChainWriter
	}
	if j.Partition == nil {
		j.Partition = DefaultPartition
	}
}
