package worker

import (
	"fmt"
	"io"

	"disco/fileutil"
)

// Map runs the map side of one task: decode the single input into
// records, feed each through the map function, route every emitted
// pair to its partition's output.
type Map struct {
	*Task
}

func NewMap(cfg TaskConfig) (*Map, error) {
	t, err := newTask(PhaseMap, cfg)
	if err != nil {
		return nil, err
	}
	return &Map{Task: t}, nil
}

func (m *Map) Run() error {
	return m.runWith(m.run)
}

func (m *Map) run() error {
	if len(m.Inputs) != 1 {
		return Failf("map can only handle one input, got %d", len(m.Inputs))
	}

	params := m.JobDict.Params
	mapFn := m.JobDict.Map
	var ext *extRunner
	if len(m.JobDict.ExtMap) > 0 {
		params = m.JobDict.ExtParams
		if params == nil {
			params = []byte("0\n")
		}
		var err error
		ext, err = newExtRunner(m.Path("EXT_MAP"), m.JobDict.ExtMap, params)
		if err != nil {
			return err
		}
		defer ext.Close()
		mapFn = ext.MapFunc()
	}
	if mapFn == nil {
		return Failf("job has no map function")
	}
	if m.JobDict.Partition == nil {
		return Failf("job has no partition function")
	}
	if m.JobDict.WriterFor(PhaseMap) == nil {
		return Failf("job has no output writer")
	}
	ctx := &Context{Task: m.Task, Params: params, Modules: m.modules}

	partitions := make([]*MapOutput, m.NumPartitions())
	for i := range partitions {
		out, err := newMapOutput(m.Task, i, ctx)
		if err != nil {
			for _, open := range partitions[:i] {
				open.Close()
			}
			return err
		}
		partitions[i] = out
	}

	readerFn := m.JobDict.ReaderFor(PhaseMap)
	if readerFn == nil {
		closeAll(partitions)
		return Failf("job has no input reader")
	}
	fd, size, url, err := m.ConnectInput(m.Inputs[0], ctx)
	if err != nil {
		closeAll(partitions)
		return err
	}
	reader := readerFn(fd, size, url, ctx)
	if m.JobDict.Init != nil {
		if err := m.JobDict.Init(reader, ctx); err != nil {
			closeHandle(fd)
			closeAll(partitions)
			return err
		}
	}

	records := m.TrackStatus(reader, "%d entries mapped")
	for {
		rec, err := records.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			closeHandle(fd)
			closeAll(partitions)
			return err
		}
		kvs, err := mapFn(rec, ctx)
		if err != nil {
			closeHandle(fd)
			closeAll(partitions)
			return err
		}
		for _, kv := range kvs {
			p := m.JobDict.Partition(kv.Key, m.NumPartitions(), ctx)
			if p < 0 || p >= len(partitions) {
				closeHandle(fd)
				closeAll(partitions)
				return Failf("partition function returned %d for key %q, want [0,%d)",
					p, kv.Key, len(partitions))
			}
			if err := partitions[p].Add(kv.Key, kv.Value); err != nil {
				closeHandle(fd)
				closeAll(partitions)
				return err
			}
		}
	}
	closeHandle(fd)
	if ext != nil {
		if err := ext.Close(); err != nil {
			closeAll(partitions)
			return err
		}
	}

	// a failed close must not leave the remaining partitions' handles
	// open; keep going and report the first error.
	entries := map[string]bool{}
	var closeErr error
	for i, out := range partitions {
		if err := out.Close(); err != nil {
			if closeErr == nil {
				closeErr = err
			}
			continue
		}
		entries[fmt.Sprintf("%d %s", i, out.URL())] = true
	}
	if closeErr != nil {
		return closeErr
	}

	index, indexURL := m.MapIndex()
	if err := fileutil.SafeUpdate(index, entries); err != nil {
		return err
	}

	if m.JobDict.Save && m.JobDict.Reduce == nil {
		if m.JobDict.IsPartitioned() {
			return Failf("storing partitioned map outputs in storage is not supported")
		}
		url, err := m.Storage.Push(m.Blobs(), m.JobName, m.Master)
		if err != nil {
			return err
		}
		m.Emitter.OutputURL(url)
		m.Emitter.Message("results pushed to storage")
	} else {
		m.Emitter.OutputURL(indexURL)
	}
	return nil
}

func closeAll(outs []*MapOutput) {
	for _, out := range outs {
		if out != nil {
			out.Close()
		}
	}
}

// MapOutput is the sink for one partition of map output. With a
// combiner configured, pairs pass through it first and only what the
// combiner emits reaches the writer; the combiner's buffered state is
// flushed by Close.
type MapOutput struct {
	task    *Task
	ctx     *Context
	part    int
	w       io.Writer
	url     string
	handles []io.Writer
	write   OutputWriter
	comb    map[string]string
	closed  bool
}

func newMapOutput(t *Task, partition int, ctx *Context) (*MapOutput, error) {
	w, url, handles, err := t.ConnectOutput(partition, ctx)
	if err != nil {
		return nil, err
	}
	return &MapOutput{
		task:    t,
		ctx:     ctx,
		part:    partition,
		w:       w,
		url:     url,
		handles: handles,
		write:   t.JobDict.WriterFor(PhaseMap),
		comb:    map[string]string{},
	}, nil
}

func (o *MapOutput) URL() string {
	return o.url
}

func (o *MapOutput) Add(key, value string) error {
	if comb := o.task.JobDict.Combiner; comb != nil {
		kvs, err := comb(key, value, o.comb, false, o.ctx)
		if err != nil {
			return err
		}
		return o.writeAll(kvs)
	}
	return o.write(o.w, key, value, o.ctx)
}

// Close flushes the combiner tail and releases the output handles in
// reverse acquisition order.
func (o *MapOutput) Close() error {
	if o.closed {
		return nil
	}
	o.closed = true
	if comb := o.task.JobDict.Combiner; comb != nil {
		kvs, err := comb("", "", o.comb, true, o.ctx)
		if err != nil {
			return err
		}
		if err := o.writeAll(kvs); err != nil {
			return err
		}
	}
	if err := o.task.CloseOutput(o.handles); err != nil {
		return err
	}
	if path, ok := o.task.LocalPath(o.url); ok {
		o.task.AddBlob(path)
	}
	return nil
}

func (o *MapOutput) writeAll(kvs []KV) error {
	for _, kv := range kvs {
		if err := o.write(o.w, kv.Key, kv.Value, o.ctx); err != nil {
			return err
		}
	}
	return nil
}
