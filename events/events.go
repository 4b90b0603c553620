package events

//
// side channel from a running task to the master. the master reads the
// task's stderr and picks out framed lines; everything else is treated
// as plain debug output. frames:
//
//   **<MSG> text       progress or diagnostic message
//   **<OUT> url        location of this task's results
//   **<OOB> key        an out-of-band result is available under key
//   **<ERR> text       fatal task failure
//
// frames are non-fatal in themselves: emitting **<ERR> does not stop
// the task, the caller still has to return the error.
//

import (
	"fmt"
	"io"
	"os"

	"github.com/sasha-s/go-deadlock"
)

type Emitter struct {
	mu  deadlock.Mutex
	out io.Writer
}

func NewEmitter(out io.Writer) *Emitter {
	return &Emitter{out: out}
}

// Default emits to stderr, where the master expects task frames.
var Default = NewEmitter(os.Stderr)

func (e *Emitter) frame(tag, text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fmt.Fprintf(e.out, "**<%s> %s\n", tag, text)
}

func (e *Emitter) Message(format string, args ...interface{}) {
	e.frame("MSG", fmt.Sprintf(format, args...))
}

// OutputURL announces where this task's results can be found.
func (e *Emitter) OutputURL(url string) {
	e.frame("OUT", url)
}

// OOBData announces that an out-of-band result is available under key.
func (e *Emitter) OOBData(key string) {
	e.frame("OOB", key)
}

func (e *Emitter) TaskFailed(format string, args ...interface{}) {
	e.frame("ERR", fmt.Sprintf(format, args...))
}
