package task

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/relaysignal/signalman/internal/errs"
)

func echoJob(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	return args, nil
}

func failingJob(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	return nil, errors.New("boom")
}

func TestSyncDriverRunsRegisteredJobs(t *testing.T) {
	reg := NewRegistry()
	reg.Register("echo", echoJob)
	exec := NewExecutor(reg, Config{Driver: DriverSync})

	out := exec.Run(context.Background(), map[string]Submission{
		"a": {JobName: "echo", Args: json.RawMessage(`{"x":1}`)},
		"b": {JobName: "echo", Args: json.RawMessage(`{"x":2}`)},
	})

	if len(out) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(out))
	}
	if string(out["a"].Result) != `{"x":1}` {
		t.Fatalf("unexpected result for a: %s", out["a"].Result)
	}
}

func TestSyncDriverWrapsJobErrorAsTaskFailed(t *testing.T) {
	reg := NewRegistry()
	reg.Register("fail", failingJob)
	exec := NewExecutor(reg, Config{Driver: DriverSync})

	out := exec.Run(context.Background(), map[string]Submission{"k": {JobName: "fail"}})
	var tf *errs.TaskFailed
	if !errors.As(out["k"].Err, &tf) {
		t.Fatalf("expected *errs.TaskFailed, got %v", out["k"].Err)
	}
}

func TestUnknownJobNameFails(t *testing.T) {
	reg := NewRegistry()
	exec := NewExecutor(reg, Config{Driver: DriverSync})
	out := exec.Run(context.Background(), map[string]Submission{"k": {JobName: "nope"}})
	if out["k"].Err == nil {
		t.Fatalf("expected error for unknown job")
	}
}

func TestEmptyJobMapReturnsEmptyOutcomes(t *testing.T) {
	reg := NewRegistry()
	exec := NewExecutor(reg, Config{Driver: DriverSync})
	out := exec.Run(context.Background(), map[string]Submission{})
	if len(out) != 0 {
		t.Fatalf("expected empty outcomes, got %d", len(out))
	}
}

type warnRecorder struct{ warned []string }

func (w *warnRecorder) Warn(args ...any) {
	if len(args) > 0 {
		if s, ok := args[0].(string); ok {
			w.warned = append(w.warned, s)
		}
	}
}

func TestForkDriverDegradesToProcessWithWarning(t *testing.T) {
	reg := NewRegistry()
	rec := &warnRecorder{}
	exec := NewExecutor(reg, Config{Driver: DriverFork, Logger: rec})
	if exec.driver != DriverProcess {
		t.Fatalf("expected fork to degrade to process driver, got %v", exec.driver)
	}
	if len(rec.warned) != 1 {
		t.Fatalf("expected exactly one warning logged, got %d", len(rec.warned))
	}
}

func TestRunOrderedPreservesKeyOrderRegardlessOfCompletion(t *testing.T) {
	reg := NewRegistry()
	reg.Register("echo", echoJob)
	exec := NewExecutor(reg, Config{Driver: DriverSync})

	keys := []string{"z", "a", "m"}
	jobs := map[string]Submission{
		"z": {JobName: "echo", Args: json.RawMessage(`1`)},
		"a": {JobName: "echo", Args: json.RawMessage(`2`)},
		"m": {JobName: "echo", Args: json.RawMessage(`3`)},
	}
	out := exec.RunOrdered(context.Background(), keys, jobs)
	if len(out) != 3 || string(out[0].Result) != "1" || string(out[1].Result) != "2" || string(out[2].Result) != "3" {
		t.Fatalf("expected outcomes in key order [z,a,m], got %+v", out)
	}
}

func TestRunFromEnvRejectsBadSignature(t *testing.T) {
	reg := NewRegistry()
	reg.Register("echo", echoJob)
	t.Setenv(EnvJob, "echo")
	t.Setenv(EnvArgs, "eyJ4IjoxfQ==")
	t.Setenv(EnvSig, "not-a-valid-signature")

	_, err := RunFromEnv(context.Background(), reg, []byte("secret"))
	if !errors.Is(err, errs.ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}
