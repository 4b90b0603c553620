package worker

import "io"

// trackIterator counts records as its consumer pulls them, posting
// progress along the way. Being pull-based it never runs ahead of the
// consumer.
type trackIterator struct {
	in       Iterator
	task     *Task
	template string
	interval int
	n        int
	done     bool
}

func (it *trackIterator) Next() (KV, error) {
	kv, err := it.in.Next()
	if err == io.EOF {
		if !it.done {
			it.done = true
			it.task.Emitter.Message("Done: "+it.template, it.n)
		}
		return KV{}, io.EOF
	}
	if err != nil {
		return KV{}, err
	}
	if it.interval > 0 && it.n%it.interval == 0 {
		it.task.Emitter.Message(it.template, it.n)
	}
	it.n++
	return kv, nil
}

type sliceIterator struct {
	kvs []KV
	i   int
}

func (it *sliceIterator) Next() (KV, error) {
	if it.i >= len(it.kvs) {
		return KV{}, io.EOF
	}
	kv := it.kvs[it.i]
	it.i++
	return kv, nil
}

// chainIterator lazily concatenates the record streams behind a list
// of URLs, opening each through the task's input stream chain only
// when the previous one is exhausted. Single pass, not restartable.
type chainIterator struct {
	task   *Task
	ctx    *Context
	reader InputReader
	urls   []string
	next   int
	cur    Iterator
	handle io.Reader
}

func (it *chainIterator) Next() (KV, error) {
	for {
		if it.cur == nil {
			if it.next >= len(it.urls) {
				return KV{}, io.EOF
			}
			url := it.urls[it.next]
			it.next++
			r, size, resolved, err := it.task.ConnectInput(url, it.ctx)
			if err != nil {
				return KV{}, err
			}
			it.handle = r
			it.cur = it.reader(r, size, resolved, it.ctx)
		}
		kv, err := it.cur.Next()
		if err == io.EOF {
			closeHandle(it.handle)
			it.cur, it.handle = nil, nil
			continue
		}
		if err != nil {
			closeHandle(it.handle)
			it.cur, it.handle = nil, nil
			return KV{}, err
		}
		return kv, nil
	}
}
