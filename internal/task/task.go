// Package task implements the Task Executor (C9): a registry of named,
// typed work units run either synchronously in-process or out-of-process
// via the pool primitive (C11). Grounded on SPEC_FULL.md §9's resolved
// design note: jobs ship by name, not by serialized code — callers
// Register a function once at startup and the executor looks it up by
// name in both the parent and the runner subprocess.
package task

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"

	"github.com/relaysignal/signalman/internal/errs"
	"github.com/relaysignal/signalman/internal/pool"
)

// Env vars the parent sets and the runner subprocess reads, per SPEC_FULL.md
// §9's design note.
const (
	EnvJob  = "SIGNALMAN_TASK_JOB"
	EnvArgs = "SIGNALMAN_TASK_ARGS"
	EnvSig  = "SIGNALMAN_TASK_SIG"
)

// JobFunc is a registered work unit: deserialize args, do work, serialize a
// result.
type JobFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Driver selects how a Job runs.
type Driver string

const (
	DriverSync    Driver = "sync"
	DriverProcess Driver = "process"
	DriverFork    Driver = "fork" // degrades to DriverProcess; see NewExecutor.
)

// Submission is what callers build a batch from: job name plus its
// arguments, keyed by a string key chosen by the caller.
type Submission struct {
	JobName string
	Args    json.RawMessage
}

// Outcome is one work unit's result, matching spec.md §4.9's result
// handling: empty stdout/no error means a null result; a non-zero exit or a
// deserialize failure surfaces as TaskFailed via Err.
type Outcome struct {
	Result json.RawMessage
	Err    error
}

// Registry maps job name to its implementation, shared between the parent
// process (sync/process-dispatch driver) and the runner subprocess
// (RunFromEnv).
type Registry struct {
	jobs map[string]JobFunc
}

func NewRegistry() *Registry { return &Registry{jobs: make(map[string]JobFunc)} }

// Register adds a named job. Intended to be called at init()/startup,
// mirroring SPEC_FULL.md §9's startup-time job registration.
func (r *Registry) Register(name string, fn JobFunc) {
	r.jobs[name] = fn
}

func (r *Registry) lookup(name string) (JobFunc, bool) {
	fn, ok := r.jobs[name]
	return fn, ok
}

// Executor runs batches of Submissions keyed by any string key, per
// spec.md §4.9.
type Executor struct {
	registry   *Registry
	driver     Driver
	binaryPath string // path to re-exec for DriverProcess; defaults to os.Args[0].
	signingKey []byte
	pool       *pool.Pool
	deferCh    chan deferredBatch
}

type deferredBatch struct {
	ctx  context.Context
	jobs map[string]Submission
}

// Config configures an Executor.
type Config struct {
	Driver      Driver
	BinaryPath  string
	SigningKey  []byte // optional; when set, payloads are HMAC-signed and verified.
	Concurrency int
	Logger      interface {
		Warn(args ...any)
	}
}

// NewExecutor builds an Executor. Per SPEC_FULL.md §9: DriverFork has no Go
// in-process-fork primitive, so it degrades to DriverProcess with a logged
// warning — it is never a distinct code path.
func NewExecutor(registry *Registry, cfg Config) *Executor {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverSync
	}
	if driver == DriverFork {
		if cfg.Logger != nil {
			cfg.Logger.Warn("task executor: fork driver unavailable, degrading to process driver")
		}
		driver = DriverProcess
	}
	binary := cfg.BinaryPath
	if binary == "" {
		binary = os.Args[0]
	}
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 8
	}
	return &Executor{
		registry:   registry,
		driver:     driver,
		binaryPath: binary,
		signingKey: cfg.SigningKey,
		pool:       pool.New(concurrency),
		deferCh:    make(chan deferredBatch, 256),
	}
}

// Run executes every submission in jobs and returns a key → Outcome map.
// Keys are run, and the process pool's results ordered, in sorted key
// order; the returned map preserves no order itself (Go maps don't), but
// RunOrdered below returns outcomes in the caller's own key order for
// callers that need it (e.g. CLI output).
func (e *Executor) Run(ctx context.Context, jobs map[string]Submission) map[string]Outcome {
	keys := sortedKeys(jobs)
	out := make(map[string]Outcome, len(jobs))

	switch e.driver {
	case DriverSync:
		for _, k := range keys {
			out[k] = e.runSync(ctx, jobs[k])
		}
	default: // DriverProcess
		tasks := make([]pool.Task, 0, len(keys))
		for i, k := range keys {
			cmd, err := e.buildCmd(ctx, jobs[k])
			if err != nil {
				out[k] = Outcome{Err: err}
				continue
			}
			tasks = append(tasks, pool.Task{Index: i, Cmd: cmd})
		}
		results := e.pool.Run(ctx, tasks)
		for i, res := range results {
			k := keys[i]
			out[k] = decodeResult(k, res)
		}
	}
	return out
}

// RunOrdered runs jobs and returns outcomes in the same order as keys,
// regardless of completion order, per spec.md §5's ordering guarantee.
func (e *Executor) RunOrdered(ctx context.Context, keys []string, jobs map[string]Submission) []Outcome {
	m := make(map[string]Submission, len(keys))
	for _, k := range keys {
		m[k] = jobs[k]
	}
	results := e.Run(ctx, m)
	ordered := make([]Outcome, len(keys))
	for i, k := range keys {
		ordered[i] = results[k]
	}
	return ordered
}

// Defer enqueues jobs for best-effort background execution after the
// caller has flushed its own output, per spec.md §4.9's defer mode. Errors
// are logged by the drain goroutine, never raised to Defer's caller.
func (e *Executor) Defer(ctx context.Context, jobs map[string]Submission) {
	select {
	case e.deferCh <- deferredBatch{ctx: ctx, jobs: jobs}:
	default:
		// queue full: drop rather than block the caller; defer mode is
		// explicitly best-effort.
	}
}

// DrainDeferred runs a goroutine that executes deferred batches as they
// arrive, until ctx is cancelled. onErr receives per-key failures for
// logging; it may be nil.
func (e *Executor) DrainDeferred(ctx context.Context, onErr func(key string, err error)) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-e.deferCh:
			results := e.Run(batch.ctx, batch.jobs)
			if onErr != nil {
				for k, o := range results {
					if o.Err != nil {
						onErr(k, o.Err)
					}
				}
			}
		}
	}
}

func (e *Executor) runSync(ctx context.Context, sub Submission) Outcome {
	fn, ok := e.registry.lookup(sub.JobName)
	if !ok {
		return Outcome{Err: fmt.Errorf("task: unknown job %q", sub.JobName)}
	}
	result, err := fn(ctx, sub.Args)
	if err != nil {
		return Outcome{Err: &errs.TaskFailed{Reason: err.Error()}}
	}
	return Outcome{Result: result}
}

func (e *Executor) buildCmd(ctx context.Context, sub Submission) (*exec.Cmd, error) {
	argsB64 := base64.StdEncoding.EncodeToString(sub.Args)
	cmd := exec.CommandContext(ctx, e.binaryPath, "task:run-unit")
	env := append(os.Environ(),
		EnvJob+"="+sub.JobName,
		EnvArgs+"="+argsB64,
	)
	if e.signingKey != nil {
		env = append(env, EnvSig+"="+e.sign(sub.JobName, argsB64))
	}
	cmd.Env = env
	return cmd, nil
}

func (e *Executor) sign(job, argsB64 string) string {
	mac := hmac.New(sha256.New, e.signingKey)
	mac.Write([]byte(job))
	mac.Write([]byte(argsB64))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// decodeResult maps a pool.Result back into an Outcome per spec.md §4.9's
// result handling: empty stdout => null result; non-zero exit => TaskFailed
// with stderr/exit_code; any bad JSON => TaskFailed with a deserialize
// message.
func decodeResult(key string, res pool.Result) Outcome {
	if res.Err != nil {
		return Outcome{Err: &errs.TaskFailed{Key: key, Reason: res.Err.Error(), ExitCode: res.ExitCode}}
	}
	if res.ExitCode != 0 {
		return Outcome{Err: &errs.TaskFailed{Key: key, Reason: string(res.Stderr), ExitCode: res.ExitCode}}
	}
	if len(res.Stdout) == 0 {
		return Outcome{}
	}
	var raw json.RawMessage
	if err := json.Unmarshal(res.Stdout, &raw); err != nil {
		return Outcome{Err: &errs.TaskFailed{Key: key, Reason: "failed to deserialize result: " + err.Error(), ExitCode: res.ExitCode}}
	}
	return Outcome{Result: raw}
}

func sortedKeys(m map[string]Submission) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RunFromEnv is the runner subprocess entrypoint: it reads EnvJob/EnvArgs
// (and EnvSig, if signingKey is non-nil), looks the job up in registry,
// executes it, and returns the JSON-encoded result (nil for a nil result)
// for the caller to write to stdout. Intended to be called from
// `cmd/signalman`'s `task:run-unit` subcommand.
func RunFromEnv(ctx context.Context, registry *Registry, signingKey []byte) ([]byte, error) {
	job := os.Getenv(EnvJob)
	argsB64 := os.Getenv(EnvArgs)

	if signingKey != nil {
		sig := os.Getenv(EnvSig)
		mac := hmac.New(sha256.New, signingKey)
		mac.Write([]byte(job))
		mac.Write([]byte(argsB64))
		want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
		if !hmac.Equal([]byte(sig), []byte(want)) {
			return nil, errs.ErrSignatureInvalid
		}
	}

	argsRaw, err := base64.StdEncoding.DecodeString(argsB64)
	if err != nil {
		return nil, fmt.Errorf("task: decode args: %w", err)
	}

	fn, ok := registry.lookup(job)
	if !ok {
		return nil, fmt.Errorf("task: unknown job %q", job)
	}

	result, err := fn(ctx, argsRaw)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	return json.Marshal(result)
}
