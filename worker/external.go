package worker

//
// externally-compiled task code. the executable shipped in the jobpack
// is staged under the job's working tree and run as a subprocess; an
// adapter exposes it through the same function types as in-process
// code, speaking chain records over stdin/stdout:
//
//   worker -> ext: params as one length-prefixed block, then one chain
//                  record per input record
//   ext -> worker: per map call, a decimal count line followed by that
//                  many chain records; for reduce, chain records until
//                  EOF. reduce output is drained while the input is
//                  still being written, so the program is free to emit
//                  as it reads.
//

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"disco/fileutil"
)

type extRunner struct {
	cmd    *exec.Cmd
	stdin  *bufio.Writer
	inPipe io.WriteCloser
	stdout *bufio.Reader
	closed bool
}

func newExtRunner(path string, executable, params []byte) (*extRunner, error) {
	if err := fileutil.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, executable, 0755); err != nil {
		return nil, err
	}
	cmd := exec.Command(path)
	cmd.Stderr = os.Stderr
	inPipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	outPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	e := &extRunner{
		cmd:    cmd,
		stdin:  bufio.NewWriter(inPipe),
		inPipe: inPipe,
		stdout: bufio.NewReader(outPipe),
	}
	if _, err := fmt.Fprintf(e.stdin, "%d\n%s", len(params), params); err != nil {
		e.Close()
		return nil, err
	}
	if err := e.stdin.Flush(); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

// MapFunc adapts the subprocess to the in-process map contract: one
// record in, a batch of pairs out.
func (e *extRunner) MapFunc() MapFunc {
	return func(record KV, ctx *Context) ([]KV, error) {
		if err := WriteChainRecord(e.stdin, record.Key, record.Value); err != nil {
			return nil, err
		}
		if err := e.stdin.Flush(); err != nil {
			return nil, err
		}
		line, err := e.stdout.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("external map: %w", err)
		}
		n, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("external map: bad response count %q", line)
		}
		kvs := make([]KV, 0, n)
		for i := 0; i < n; i++ {
			kv, err := ReadChainRecord(e.stdout)
			if err != nil {
				return nil, fmt.Errorf("external map: %w", err)
			}
			kvs = append(kvs, kv)
		}
		return kvs, nil
	}
}

// ReduceFunc adapts the subprocess to the bulk reduce contract: the
// whole input is streamed in, the subprocess owns the aggregation, and
// its output stream is drained into the sink. The drain runs
// concurrently with the input writes; a program that emits while it
// reads would otherwise fill the stdout pipe and deadlock against our
// blocked stdin write.
func (e *extRunner) ReduceFunc() ReduceFunc {
	return func(in Iterator, out Output, ctx *Context) error {
		drained := make(chan error, 1)
		go func() {
			for {
				kv, err := ReadChainRecord(e.stdout)
				if err == io.EOF {
					drained <- nil
					return
				}
				if err != nil {
					drained <- fmt.Errorf("external reduce: %w", err)
					return
				}
				if err := out.Add(kv.Key, kv.Value); err != nil {
					drained <- err
					return
				}
			}
		}()
		for {
			kv, err := in.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
			if err := WriteChainRecord(e.stdin, kv.Key, kv.Value); err != nil {
				return err
			}
		}
		if err := e.stdin.Flush(); err != nil {
			return err
		}
		if err := e.inPipe.Close(); err != nil {
			return err
		}
		return <-drained
	}
}

// Close shuts the pipe and reaps the subprocess. A non-zero exit is an
// error; callers on the success path should check it.
func (e *extRunner) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	e.stdin.Flush()
	e.inPipe.Close()
	if err := e.cmd.Wait(); err != nil {
		return Failf("external task code failed: %v", err)
	}
	return nil
}
