package worker

import (
	"fmt"
	"io"

	"disco/fileutil"
)

// Reduce runs the reduce side of one task: shuffle the relevant slice
// of every contributing map output, sort if configured, and hand the
// whole stream to the reduce function in a single bulk call.
type Reduce struct {
	*Task
}

func NewReduce(cfg TaskConfig) (*Reduce, error) {
	t, err := newTask(PhaseReduce, cfg)
	if err != nil {
		return nil, err
	}
	return &Reduce{Task: t}, nil
}

func (r *Reduce) Run() error {
	return r.runWith(r.run)
}

func (r *Reduce) run() error {
	params := r.JobDict.Params
	reduceFn := r.JobDict.Reduce
	var ext *extRunner
	if len(r.JobDict.ExtReduce) > 0 {
		params = r.JobDict.ExtParams
		if params == nil {
			params = []byte("0\n")
		}
		var err error
		ext, err = newExtRunner(r.Path("EXT_REDUCE"), r.JobDict.ExtReduce, params)
		if err != nil {
			return err
		}
		defer ext.Close()
		reduceFn = ext.ReduceFunc()
	}
	if reduceFn == nil {
		return Failf("job has no reduce function")
	}
	if r.JobDict.WriterFor(PhaseReduce) == nil {
		return Failf("job has no output writer")
	}
	ctx := &Context{Task: r.Task, Params: params, Modules: r.modules}

	reader, err := newReduceReader(r.Task, ctx)
	if err != nil {
		return err
	}
	in, err := reader.Iter()
	if err != nil {
		return err
	}
	out, err := newReduceOutput(r.Task, ctx)
	if err != nil {
		return err
	}

	r.Emitter.Message("starting reduce")
	if r.JobDict.Init != nil {
		if err := r.JobDict.Init(in, ctx); err != nil {
			out.abort()
			return err
		}
	}
	if err := reduceFn(in, out, ctx); err != nil {
		out.abort()
		return err
	}
	if ext != nil {
		if err := ext.Close(); err != nil {
			out.abort()
			return err
		}
	}
	r.Emitter.Message("reduce done")

	if err := out.Close(); err != nil {
		return err
	}

	if r.JobDict.Save {
		url, err := r.Storage.Push(r.Blobs(), r.JobName, r.Master)
		if err != nil {
			return err
		}
		r.Emitter.OutputURL(url)
		r.Emitter.Message("results pushed to storage")
		return nil
	}

	index, indexURL := r.ReduceIndex()
	entry := fmt.Sprintf("%d %s", r.ID, out.URL())
	if err := fileutil.SafeUpdate(index, map[string]bool{entry: true}); err != nil {
		return err
	}
	r.Emitter.OutputURL(indexURL)
	return nil
}

// ReduceOutput is the single sink for a reduce task's results.
type ReduceOutput struct {
	task    *Task
	ctx     *Context
	w       io.Writer
	url     string
	handles []io.Writer
	write   OutputWriter
}

func newReduceOutput(t *Task, ctx *Context) (*ReduceOutput, error) {
	w, url, handles, err := t.ConnectOutput(0, ctx)
	if err != nil {
		return nil, err
	}
	return &ReduceOutput{
		task:    t,
		ctx:     ctx,
		w:       w,
		url:     url,
		handles: handles,
		write:   t.JobDict.WriterFor(PhaseReduce),
	}, nil
}

func (o *ReduceOutput) URL() string {
	return o.url
}

func (o *ReduceOutput) Add(key, value string) error {
	return o.write(o.w, key, value, o.ctx)
}

func (o *ReduceOutput) Close() error {
	if err := o.task.CloseOutput(o.handles); err != nil {
		return err
	}
	if path, ok := o.task.LocalPath(o.url); ok {
		o.task.AddBlob(path)
	}
	return nil
}

// abort releases handles on the failure path; errors are secondary to
// the one already being reported.
func (o *ReduceOutput) abort() {
	o.task.CloseOutput(o.handles)
}
