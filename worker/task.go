package worker

import (
	"crypto/md5"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"runtime/pprof"
	"strings"

	"disco/events"
	"disco/fileutil"
	"disco/settings"
)

// logical filenames, resolved relative to the job's working tree.
// these are fixed for interoperability with other nodes.
var defaultPaths = map[string]string{
	"CHDIR_PATH":    "",
	"JOBPACK":       "params.dl",
	"REQ_FILES":     "lib",
	"EXT_MAP":       "ext.map",
	"EXT_REDUCE":    "ext.reduce",
	"MAP_OUTPUT":    "map-disco-%d-%.9d",
	"PART_OUTPUT":   "part-disco-%.9d",
	"REDUCE_DL":     "reduce-in-%d.dl",
	"REDUCE_SORTED": "reduce-in-%d.sorted",
	"REDUCE_OUTPUT": "reduce-disco-%d",
	"OOB_FILE":      "oob/%s",
	"MAP_INDEX":     "map-index.txt",
	"REDUCE_INDEX":  "reduce-index.txt",
}

var oobKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_:-]+$`)

const maxOOBKeyLen = 256

// TaskConfig carries everything a task needs from its surroundings.
// JobDict may be nil if JobPacks can fetch the packed descriptor.
type TaskConfig struct {
	Host     string
	ID       int
	Inputs   []string
	JobDict  *JobDict
	JobName  string
	Master   string
	Settings settings.Settings

	Emitter  *events.Emitter
	Storage  Storage
	OOB      OOBClient
	JobPacks JobPackClient
}

// Task is the per-execution state shared by the map and reduce
// drivers. One Task lives for exactly one task execution.
type Task struct {
	Host     string
	ID       int
	Inputs   []string
	JobName  string
	Master   string
	Settings settings.Settings
	JobDict  *JobDict

	Emitter *events.Emitter
	Storage Storage
	OOB     OOBClient

	phase   string
	blobs   []string
	modules map[string]interface{}
}

func newTask(phase string, cfg TaskConfig) (*Task, error) {
	if cfg.Settings == nil {
		cfg.Settings = settings.Load()
	}
	if cfg.Emitter == nil {
		cfg.Emitter = events.Default
	}
	t := &Task{
		Host:     cfg.Host,
		ID:       cfg.ID,
		Inputs:   cfg.Inputs,
		JobName:  cfg.JobName,
		Master:   cfg.Master,
		Settings: cfg.Settings,
		JobDict:  cfg.JobDict,
		Emitter:  cfg.Emitter,
		Storage:  cfg.Storage,
		OOB:      cfg.OOB,
		phase:    phase,
	}
	if t.Storage == nil {
		t.Storage = &LocalStorage{Settings: t.Settings}
	}
	if t.OOB == nil {
		t.OOB = &LocalOOB{Settings: t.Settings, Host: t.Host}
	}
	if t.JobDict == nil {
		if cfg.JobPacks == nil {
			return nil, fmt.Errorf("task %s:%d has neither a job dict nor a jobpack source", cfg.JobName, cfg.ID)
		}
		jd, err := t.loadJobPack(cfg.JobPacks)
		if err != nil {
			return nil, err
		}
		t.JobDict = jd
	}
	return t, nil
}

// loadJobPack stages the packed descriptor at params.dl (fetching it
// at most once per job per node) and decodes it.
func (t *Task) loadJobPack(client JobPackClient) (*JobDict, error) {
	path := t.Path("JOBPACK")
	err := fileutil.EnsureFile(path, func() ([]byte, error) {
		return client.JobPack(t.JobName)
	}, 0444)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return UnpackJobDict(data)
}

func (t *Task) Phase() string {
	return t.phase
}

// HexKey is the two-character fanout directory derived from the job
// name, keeping any one directory from accumulating every job.
func (t *Task) HexKey() string {
	return fmt.Sprintf("%x", md5.Sum([]byte(t.JobName)))[:2]
}

// JobRoot is this job's working tree on the local filesystem.
func (t *Task) JobRoot() string {
	return filepath.Join(t.Settings.Root(), t.Settings.Data(),
		t.Host, t.HexKey(), t.JobName)
}

// Path resolves a logical filename to a local filesystem path.
func (t *Task) Path(name string, args ...interface{}) string {
	tmpl, ok := defaultPaths[name]
	if !ok {
		panic("unknown path name " + name)
	}
	return filepath.Join(t.JobRoot(), fmt.Sprintf(tmpl, args...))
}

// URL resolves a logical filename to an addressable URL. The disco
// scheme means fetch over the network from t.Host; the dir scheme
// means the file is directly readable on the producing host.
func (t *Task) URL(scheme, name string, args ...interface{}) string {
	tmpl, ok := defaultPaths[name]
	if !ok {
		panic("unknown path name " + name)
	}
	return fmt.Sprintf("%s://%s/disco/%s/%s/%s",
		scheme, t.Host, t.HexKey(), t.JobName, fmt.Sprintf(tmpl, args...))
}

// LocalPath maps a job-relative URL back to a path on this host.
// Returns false for URLs produced elsewhere.
func (t *Task) LocalPath(rawurl string) (string, bool) {
	scheme, host, rest, ok := splitURL(rawurl)
	if !ok || host != t.Host {
		return "", false
	}
	if scheme != "disco" && scheme != "dir" {
		return "", false
	}
	rest = strings.TrimPrefix(rest, "disco/")
	return filepath.Join(t.Settings.Root(), t.Settings.Data(), t.Host,
		filepath.FromSlash(rest)), true
}

func splitURL(rawurl string) (scheme, host, rest string, ok bool) {
	i := strings.Index(rawurl, "://")
	if i < 0 {
		return "", "", "", false
	}
	scheme = rawurl[:i]
	tail := rawurl[i+3:]
	j := strings.IndexByte(tail, '/')
	if j < 0 {
		return scheme, tail, "", true
	}
	return scheme, tail[:j], tail[j+1:], true
}

func (t *Task) MapIndex() (string, string) {
	return t.Path("MAP_INDEX"), t.URL("dir", "MAP_INDEX")
}

func (t *Task) ReduceIndex() (string, string) {
	return t.Path("REDUCE_INDEX"), t.URL("dir", "REDUCE_INDEX")
}

func (t *Task) MapOutputLoc(partition int) (string, string) {
	return t.Path("MAP_OUTPUT", t.ID, partition),
		t.URL("disco", "MAP_OUTPUT", t.ID, partition)
}

func (t *Task) PartitionOutputLoc(partition int) (string, string) {
	return t.Path("PART_OUTPUT", partition),
		t.URL("disco", "PART_OUTPUT", partition)
}

func (t *Task) ReduceOutputLoc() (string, string) {
	return t.Path("REDUCE_OUTPUT", t.ID),
		t.URL("disco", "REDUCE_OUTPUT", t.ID)
}

func (t *Task) OOBPath(key string) string {
	return t.Path("OOB_FILE", key)
}

func (t *Task) NumPartitions() int {
	return t.JobDict.NumPartitions()
}

func (t *Task) Blobs() []string {
	return t.blobs
}

func (t *Task) AddBlob(path string) {
	t.blobs = append(t.blobs, path)
}

// Put stores an out-of-band result under key. The key must be unique
// within the job, at most 256 characters, drawn from [A-Za-z0-9_:-].
// Validation happens before anything touches the disk.
func (t *Task) Put(key string, value []byte) error {
	if len(key) > maxOOBKeyLen || !oobKeyPattern.MatchString(key) {
		return Failf("invalid OOB key (%s)", key)
	}
	if value != nil {
		af, err := fileutil.NewAtomicFile(t.OOBPath(key))
		if err != nil {
			return err
		}
		if _, err := af.Write(value); err != nil {
			af.Abort()
			return err
		}
		if err := af.Close(); err != nil {
			return err
		}
	}
	t.Emitter.OOBData(key)
	return nil
}

// Get fetches an out-of-band result. job defaults to the current job,
// which lets a reduce read what the preceding map phase stored.
func (t *Task) Get(key string, job string) ([]byte, error) {
	if job == "" {
		job = t.JobName
	}
	return t.OOB.Lookup(t.Master, job, key)
}

// TrackStatus passes records through unchanged, posting a progress
// message every StatusInterval records (0 disables) and a completion
// message at the end. It never reads ahead of its consumer.
func (t *Task) TrackStatus(in Iterator, template string) Iterator {
	return &trackIterator{
		in:       in,
		task:     t,
		template: template,
		interval: t.JobDict.StatusInterval,
	}
}

// ConnectInput composes the job's input stream chain over url. The
// first stage opens the URL, later stages wrap their predecessor.
func (t *Task) ConnectInput(url string, ctx *Context) (io.Reader, int64, string, error) {
	var r io.Reader
	var size int64
	var err error
	for _, stage := range t.JobDict.InputStreamFor(t.phase) {
		r, size, url, err = stage(r, size, url, ctx)
		if err != nil {
			closeHandle(r)
			return nil, 0, "", err
		}
	}
	if r == nil {
		return nil, 0, "", fmt.Errorf("no input stream opened %s", url)
	}
	return r, size, url, nil
}

// ConnectOutput composes the output stream chain for one partition and
// returns every opened handle, outermost last, for CloseOutput.
func (t *Task) ConnectOutput(partition int, ctx *Context) (io.Writer, string, []io.Writer, error) {
	var w io.Writer
	var url string
	var handles []io.Writer
	var err error
	for _, stage := range t.JobDict.OutputStreamFor(t.phase) {
		w, url, err = stage(w, partition, url, ctx)
		if err != nil {
			t.CloseOutput(handles)
			return nil, "", nil, err
		}
		handles = append(handles, w)
	}
	if w == nil {
		return nil, "", nil, fmt.Errorf("no output stream opened for partition %d", partition)
	}
	return w, url, handles, nil
}

// CloseOutput releases handles in reverse acquisition order. Handles
// without a close capability are skipped.
func (t *Task) CloseOutput(handles []io.Writer) error {
	var first error
	for i := len(handles) - 1; i >= 0; i-- {
		if c, ok := handles[i].(io.Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

func closeHandle(v interface{}) {
	if c, ok := v.(io.Closer); ok {
		c.Close()
	}
}

// goVersion reduces the runtime version to its major.minor form, e.g.
// go1.18.3 -> go1.18, for compatibility checks against the jobpack.
func goVersion(full string) string {
	parts := strings.SplitN(full, ".", 3)
	if len(parts) < 2 {
		return full
	}
	return parts[0] + "." + parts[1]
}

// prepare verifies runtime compatibility and stages the job's working
// tree: the OOB directory, required files under lib, and the module
// capabilities named by the descriptor.
func (t *Task) prepare() error {
	if v := t.JobDict.Version; v != "" && v != goVersion(runtime.Version()) {
		return Failf("runtime version mismatch: job built for %s, node runs %s",
			v, goVersion(runtime.Version()))
	}
	if err := fileutil.EnsureDir(filepath.Dir(t.OOBPath("x"))); err != nil {
		return err
	}
	if err := fileutil.EnsureDir(t.JobRoot()); err != nil {
		return err
	}
	if len(t.JobDict.RequiredFiles) > 0 {
		if err := fileutil.WriteFiles(t.JobDict.RequiredFiles, t.Path("REQ_FILES")); err != nil {
			return err
		}
	}
	mods, err := resolveModules(t.JobDict.RequiredModules)
	if err != nil {
		return err
	}
	t.modules = mods
	return nil
}

// runWith drives the full lifecycle around a phase body: prepare,
// optional profiling capture, execution, failure reporting.
func (t *Task) runWith(body func() error) error {
	if err := t.prepare(); err != nil {
		t.Emitter.TaskFailed("%v", err)
		return err
	}
	run := body
	if t.JobDict.Profile {
		run = func() error { return t.runProfile(body) }
	}
	if err := run(); err != nil {
		t.Emitter.TaskFailed("%v", err)
		return err
	}
	return nil
}

// runProfile wraps the run in a CPU profile capture persisted as an
// OOB artifact.
func (t *Task) runProfile(body func() error) error {
	key := fmt.Sprintf("profile-%s-%d", t.phase, t.ID)
	af, err := fileutil.NewAtomicFile(t.OOBPath(key))
	if err != nil {
		return err
	}
	if err := pprof.StartCPUProfile(af); err != nil {
		af.Abort()
		return err
	}
	runErr := body()
	pprof.StopCPUProfile()
	if err := af.Close(); err != nil && runErr == nil {
		return err
	}
	if runErr != nil {
		return runErr
	}
	return t.Put(key, nil)
}

// OpenURL opens a job-relative URL for reading, directly off the
// local disk when this host produced it, over HTTP otherwise.
func (t *Task) OpenURL(rawurl string) (io.ReadCloser, int64, error) {
	if path, ok := t.LocalPath(rawurl); ok {
		f, err := os.Open(path)
		if err != nil {
			return nil, 0, err
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, 0, err
		}
		return f, info.Size(), nil
	}
	_, host, rest, ok := splitURL(rawurl)
	if !ok {
		// a bare path: open it locally
		f, err := os.Open(rawurl)
		if err != nil {
			return nil, 0, err
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, 0, err
		}
		return f, info.Size(), nil
	}
	resp, err := http.Get(fmt.Sprintf("http://%s:%d/%s", host, t.Settings.Port(), rest))
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("fetching %s: %s", rawurl, resp.Status)
	}
	return resp.Body, resp.ContentLength, nil
}
