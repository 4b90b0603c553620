package funcs

import (
	"io"

	"disco/worker"
)

// GroupReduce adapts a per-key function to the bulk reduce contract:
// it walks the sorted input, gathers the values of each run of equal
// keys, and writes one output pair per key. Only meaningful on sorted
// input; with sorting disabled a key's values may arrive in several
// runs.
func GroupReduce(fn func(key string, values []string, ctx *worker.Context) (string, error)) worker.ReduceFunc {
	return func(in worker.Iterator, out worker.Output, ctx *worker.Context) error {
		var key string
		var values []string
		flush := func() error {
			if values == nil {
				return nil
			}
			res, err := fn(key, values, ctx)
			if err != nil {
				return err
			}
			return out.Add(key, res)
		}
		for {
			kv, err := in.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
			if values != nil && kv.Key != key {
				if err := flush(); err != nil {
					return err
				}
				values = nil
			}
			key = kv.Key
			values = append(values, kv.Value)
		}
		return flush()
	}
}
