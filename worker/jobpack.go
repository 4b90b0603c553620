package worker

//
// the packed job descriptor is a strict decode boundary, modeled on
// labgob's checked wrapper around encoding/gob: a fixed magic and
// format version are verified before gob sees a single byte, and every
// function name in the pack must resolve against the registry. a pack
// that names an unknown function, or arrives with the wrong magic or
// format version, is rejected outright rather than half-applied.
//
// functions are carried by registry name, never by value: the worker
// binary registers its pluggable functions and modules at init time,
// and the descriptor merely selects among them.
//

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"sync"
)

const (
	jobPackMagic   uint32 = 0xd15c0b0e
	jobPackVersion uint16 = 1
)

var registry = struct {
	sync.Mutex
	funcs    map[string]interface{}
	modules  map[string]interface{}
	defaults func(*JobDict)
}{
	funcs:   map[string]interface{}{},
	modules: map[string]interface{}{},
}

// Register makes a pluggable function available to job descriptors
// under the given name. Typically called from init.
func Register(name string, fn interface{}) {
	registry.Lock()
	defer registry.Unlock()
	registry.funcs[name] = fn
}

// RegisterModule makes an auxiliary capability available under the
// given name for required_modules resolution.
func RegisterModule(name string, v interface{}) {
	registry.Lock()
	defer registry.Unlock()
	registry.modules[name] = v
}

// RegisterDefaults installs the fallback applied to every decoded job
// configuration: reader, writer and stream slots the pack leaves
// unnamed are filled in by fn. The stock function package installs
// itself here at init time.
func RegisterDefaults(fn func(*JobDict)) {
	registry.Lock()
	defer registry.Unlock()
	registry.defaults = fn
}

func applyDefaults(j *JobDict) {
	registry.Lock()
	fn := registry.defaults
	registry.Unlock()
	if fn != nil {
		fn(j)
	}
}

func lookupFunc(name string) (interface{}, bool) {
	registry.Lock()
	defer registry.Unlock()
	fn, ok := registry.funcs[name]
	return fn, ok
}

func resolveModules(names []string) (map[string]interface{}, error) {
	registry.Lock()
	defer registry.Unlock()
	mods := map[string]interface{}{}
	for _, name := range names {
		v, ok := registry.modules[name]
		if !ok {
			return nil, fmt.Errorf("required module %q is not registered", name)
		}
		mods[name] = v
	}
	return mods, nil
}

// JobPack is the wire form of a job configuration: scalar settings
// plus registry names in place of function values.
type JobPack struct {
	Version string

	Map       string
	Reduce    string
	Combiner  string
	Partition string
	Init      string

	Reader       string
	Writer       string
	InputStream  []string
	OutputStream []string

	MapReader          string
	MapWriter          string
	MapInputStream     []string
	MapOutputStream    []string
	ReduceReader       string
	ReduceWriter       string
	ReduceInputStream  []string
	ReduceOutputStream []string

	Sort           bool
	NrReduces      int
	Save           bool
	Profile        bool
	StatusInterval int
	MemSortLimit   int64

	Params    []byte
	ExtParams []byte
	ExtMap    []byte
	ExtReduce []byte

	RequiredFiles   map[string][]byte
	RequiredModules []string
}

// EncodeJobPack serializes the descriptor with its magic and format
// version header.
func EncodeJobPack(w io.Writer, jp *JobPack) error {
	if err := binary.Write(w, binary.BigEndian, jobPackMagic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, jobPackVersion); err != nil {
		return err
	}
	return gob.NewEncoder(w).Encode(jp)
}

// DecodeJobPack verifies the header and decodes the descriptor.
func DecodeJobPack(r io.Reader) (*JobPack, error) {
	var magic uint32
	if err := binary.Read(r, binary.BigEndian, &magic); err != nil {
		return nil, fmt.Errorf("jobpack: short header: %w", err)
	}
	if magic != jobPackMagic {
		return nil, fmt.Errorf("jobpack: bad magic %#x", magic)
	}
	var version uint16
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return nil, fmt.Errorf("jobpack: short header: %w", err)
	}
	if version != jobPackVersion {
		return nil, fmt.Errorf("jobpack: unsupported format version %d", version)
	}
	jp := &JobPack{}
	if err := gob.NewDecoder(r).Decode(jp); err != nil {
		return nil, fmt.Errorf("jobpack: %w", err)
	}
	return jp, nil
}

// UnpackJobDict decodes a packed descriptor and resolves every named
// function through the registry.
func UnpackJobDict(data []byte) (*JobDict, error) {
	jp, err := DecodeJobPack(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return jp.Resolve()
}

// Resolve turns the wire descriptor into a usable JobDict. Unknown or
// wrongly-typed function names are an error, not a silent nil.
func (jp *JobPack) Resolve() (*JobDict, error) {
	j := &JobDict{
		Sort:            jp.Sort,
		NrReduces:       jp.NrReduces,
		Save:            jp.Save,
		Profile:         jp.Profile,
		StatusInterval:  jp.StatusInterval,
		MemSortLimit:    jp.MemSortLimit,
		Version:         jp.Version,
		Params:          jp.Params,
		ExtParams:       jp.ExtParams,
		ExtMap:          jp.ExtMap,
		ExtReduce:       jp.ExtReduce,
		RequiredFiles:   jp.RequiredFiles,
		RequiredModules: jp.RequiredModules,
	}
	var err error
	if j.Map, err = resolveMap(jp.Map); err != nil {
		return nil, err
	}
	if j.Reduce, err = resolveReduce(jp.Reduce); err != nil {
		return nil, err
	}
	if j.Combiner, err = resolveCombiner(jp.Combiner); err != nil {
		return nil, err
	}
	if j.Partition, err = resolvePartition(jp.Partition); err != nil {
		return nil, err
	}
	if j.Init, err = resolveInit(jp.Init); err != nil {
		return nil, err
	}
	if j.Reader, err = resolveReader(jp.Reader); err != nil {
		return nil, err
	}
	if j.Writer, err = resolveWriter(jp.Writer); err != nil {
		return nil, err
	}
	if j.InputStream, err = resolveInputStreams(jp.InputStream); err != nil {
		return nil, err
	}
	if j.OutputStream, err = resolveOutputStreams(jp.OutputStream); err != nil {
		return nil, err
	}
	if j.MapOpts.Reader, err = resolveReader(jp.MapReader); err != nil {
		return nil, err
	}
	if j.MapOpts.Writer, err = resolveWriter(jp.MapWriter); err != nil {
		return nil, err
	}
	if j.MapOpts.InputStream, err = resolveInputStreams(jp.MapInputStream); err != nil {
		return nil, err
	}
	if j.MapOpts.OutputStream, err = resolveOutputStreams(jp.MapOutputStream); err != nil {
		return nil, err
	}
	if j.ReduceOpts.Reader, err = resolveReader(jp.ReduceReader); err != nil {
		return nil, err
	}
	if j.ReduceOpts.Writer, err = resolveWriter(jp.ReduceWriter); err != nil {
		return nil, err
	}
	if j.ReduceOpts.InputStream, err = resolveInputStreams(jp.ReduceInputStream); err != nil {
		return nil, err
	}
	if j.ReduceOpts.OutputStream, err = resolveOutputStreams(jp.ReduceOutputStream); err != nil {
		return nil, err
	}
	applyDefaults(j)
	return j, nil
}

func resolveNamed(name, kind string) (interface{}, error) {
	fn, ok := lookupFunc(name)
	if !ok {
		return nil, fmt.Errorf("jobpack: %s function %q is not registered", kind, name)
	}
	return fn, nil
}

func resolveMap(name string) (MapFunc, error) {
	if name == "" {
		return nil, nil
	}
	fn, err := resolveNamed(name, "map")
	if err != nil {
		return nil, err
	}
	typed, ok := fn.(MapFunc)
	if !ok {
		return nil, fmt.Errorf("jobpack: %q is not a map function", name)
	}
	return typed, nil
}

func resolveReduce(name string) (ReduceFunc, error) {
	if name == "" {
		return nil, nil
	}
	fn, err := resolveNamed(name, "reduce")
	if err != nil {
		return nil, err
	}
	typed, ok := fn.(ReduceFunc)
	if !ok {
		return nil, fmt.Errorf("jobpack: %q is not a reduce function", name)
	}
	return typed, nil
}

func resolveCombiner(name string) (CombinerFunc, error) {
	if name == "" {
		return nil, nil
	}
	fn, err := resolveNamed(name, "combiner")
	if err != nil {
		return nil, err
	}
	typed, ok := fn.(CombinerFunc)
	if !ok {
		return nil, fmt.Errorf("jobpack: %q is not a combiner function", name)
	}
	return typed, nil
}

func resolvePartition(name string) (PartitionFunc, error) {
	if name == "" {
		return nil, nil
	}
	fn, err := resolveNamed(name, "partition")
	if err != nil {
		return nil, err
	}
	typed, ok := fn.(PartitionFunc)
	if !ok {
		return nil, fmt.Errorf("jobpack: %q is not a partition function", name)
	}
	return typed, nil
}

func resolveInit(name string) (InitFunc, error) {
	if name == "" {
		return nil, nil
	}
	fn, err := resolveNamed(name, "init")
	if err != nil {
		return nil, err
	}
	typed, ok := fn.(InitFunc)
	if !ok {
		return nil, fmt.Errorf("jobpack: %q is not an init function", name)
	}
	return typed, nil
}

func resolveReader(name string) (InputReader, error) {
	if name == "" {
		return nil, nil
	}
	fn, err := resolveNamed(name, "reader")
	if err != nil {
		return nil, err
	}
	typed, ok := fn.(InputReader)
	if !ok {
		return nil, fmt.Errorf("jobpack: %q is not an input reader", name)
	}
	return typed, nil
}

func resolveWriter(name string) (OutputWriter, error) {
	if name == "" {
		return nil, nil
	}
	fn, err := resolveNamed(name, "writer")
	if err != nil {
		return nil, err
	}
	typed, ok := fn.(OutputWriter)
	if !ok {
		return nil, fmt.Errorf("jobpack: %q is not an output writer", name)
	}
	return typed, nil
}

func resolveInputStreams(names []string) ([]InputStream, error) {
	if len(names) == 0 {
		return nil, nil
	}
	streams := make([]InputStream, 0, len(names))
	for _, name := range names {
		fn, err := resolveNamed(name, "input stream")
		if err != nil {
			return nil, err
		}
		typed, ok := fn.(InputStream)
		if !ok {
			return nil, fmt.Errorf("jobpack: %q is not an input stream", name)
		}
		streams = append(streams, typed)
	}
	return streams, nil
}

func resolveOutputStreams(names []string) ([]OutputStream, error) {
	if len(names) == 0 {
		return nil, nil
	}
	streams := make([]OutputStream, 0, len(names))
	for _, name := range names {
		fn, err := resolveNamed(name, "output stream")
		if err != nil {
			return nil, err
		}
		typed, ok := fn.(OutputStream)
		if !ok {
			return nil, fmt.Errorf("jobpack: %q is not an output stream", name)
		}
		streams = append(streams, typed)
	}
	return streams, nil
}
