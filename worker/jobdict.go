package worker

//
// JobDict is the in-memory job configuration. A value shared by both
// phases can be shadowed by a phase-specific override; resolution is
// an explicit precedence check, phase override first, shared default
// second.
//

// Phase names, also used as the prefix for phase-specific overrides.
const (
	PhaseMap    = "map"
	PhaseReduce = "reduce"
)

// PhaseOpts carries the per-phase overrides of the shared defaults. A
// nil field defers to the shared value in JobDict.
type PhaseOpts struct {
	Reader       InputReader
	Writer       OutputWriter
	InputStream  []InputStream
	OutputStream []OutputStream
}

type JobDict struct {
	Map       MapFunc
	Reduce    ReduceFunc
	Combiner  CombinerFunc
	Partition PartitionFunc
	Init      InitFunc

	// shared defaults and their per-phase overrides
	Reader       InputReader
	Writer       OutputWriter
	InputStream  []InputStream
	OutputStream []OutputStream
	MapOpts      PhaseOpts
	ReduceOpts   PhaseOpts

	Sort           bool
	NrReduces      int
	Save           bool
	Profile        bool
	StatusInterval int
	MemSortLimit   int64
	Version        string

	Params    []byte
	ExtParams []byte

	// externally-compiled task code; empty means in-process execution
	ExtMap    []byte
	ExtReduce []byte

	RequiredFiles   map[string][]byte
	RequiredModules []string
}

func (j *JobDict) opts(phase string) *PhaseOpts {
	if phase == PhaseReduce {
		return &j.ReduceOpts
	}
	return &j.MapOpts
}

func (j *JobDict) ReaderFor(phase string) InputReader {
	if r := j.opts(phase).Reader; r != nil {
		return r
	}
	return j.Reader
}

func (j *JobDict) WriterFor(phase string) OutputWriter {
	if w := j.opts(phase).Writer; w != nil {
		return w
	}
	return j.Writer
}

func (j *JobDict) InputStreamFor(phase string) []InputStream {
	if s := j.opts(phase).InputStream; s != nil {
		return s
	}
	return j.InputStream
}

func (j *JobDict) OutputStreamFor(phase string) []OutputStream {
	if s := j.opts(phase).OutputStream; s != nil {
		return s
	}
	return j.OutputStream
}

// IsPartitioned reports whether map output is split for a reduce phase.
func (j *JobDict) IsPartitioned() bool {
	return j.NrReduces > 0
}

// NumPartitions is never zero: an unpartitioned job still writes one
// partition.
func (j *JobDict) NumPartitions() int {
	if j.NrReduces > 0 {
		return j.NrReduces
	}
	return 1
}
