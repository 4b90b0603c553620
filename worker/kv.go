package worker

import (
	"fmt"
	"io"
)

// KV is one intermediate record.
type KV struct {
	Key   string
	Value string
}

// Iterator is a pull-based stream of records. Next returns io.EOF
// when the stream is exhausted.
type Iterator interface {
	Next() (KV, error)
}

// Output accepts records on behalf of some destination.
type Output interface {
	Add(key, value string) error
}

// Context is passed explicitly to every pluggable function instead of
// being smuggled through shared globals. Modules holds the auxiliary
// capabilities named by the job's required_modules, resolved once per
// task from the module registry.
type Context struct {
	Task    *Task
	Params  []byte
	Modules map[string]interface{}
}

// User-supplied record processing functions.
type (
	// MapFunc turns one input record into zero or more pairs.
	MapFunc func(record KV, ctx *Context) ([]KV, error)

	// ReduceFunc is called exactly once per task and owns the whole
	// iteration over its sorted (or merely concatenated) input.
	ReduceFunc func(in Iterator, out Output, ctx *Context) error

	// CombinerFunc pre-aggregates map output for one partition. buf is
	// the combiner's private state and survives between calls; when
	// done is set the combiner must flush everything it still holds.
	CombinerFunc func(key, value string, buf map[string]string, done bool, ctx *Context) ([]KV, error)

	// PartitionFunc maps a key to a partition in [0, nrPartitions).
	PartitionFunc func(key string, nrPartitions int, ctx *Context) int

	// InitFunc runs once before the user function sees any records.
	InitFunc func(in Iterator, ctx *Context) error

	// InputReader decodes a byte stream into records.
	InputReader func(r io.Reader, size int64, url string, ctx *Context) Iterator

	// OutputWriter encodes one record onto a byte stream.
	OutputWriter func(w io.Writer, key, value string, ctx *Context) error

	// InputStream is one stage of the input stream chain. The first
	// stage receives a nil reader and is expected to open the URL; each
	// later stage wraps its predecessor. A stage owns the handle it was
	// given: closing the final reader must release the whole chain.
	InputStream func(r io.Reader, size int64, url string, ctx *Context) (io.Reader, int64, string, error)

	// OutputStream is one stage of the output stream chain. The first
	// stage receives a nil writer and opens the destination for the
	// given partition, returning its URL.
	OutputStream func(w io.Writer, part int, url string, ctx *Context) (io.Writer, string, error)
)

// TaskError marks a fatal task failure: the task aborts, the failure
// is reported to the master, and any retry is the scheduler's call.
type TaskError struct {
	Reason string
}

func (e *TaskError) Error() string {
	return e.Reason
}

func Failf(format string, args ...interface{}) *TaskError {
	return &TaskError{Reason: fmt.Sprintf(format, args...)}
}
