package main

import (
	"bytes"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaysignal/signalman/internal/supervisor"
)

func TestPrintWorkersRendersEachRecord(t *testing.T) {
	records := []supervisor.WorkerRecord{
		{ID: "w-1", HandlerName: "realtime-bridge", PID: 4242, Status: supervisor.StatusRunning, StartedAt: time.Now(), MessageCount: 10, ErrorCount: 1},
		{ID: "w-2", HandlerName: "realtime-bridge", PID: 4243, Status: supervisor.StatusStopped, StartedAt: time.Now()},
	}

	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)

	printWorkers(cmd, records)

	out := buf.String()
	if !bytes.Contains(buf.Bytes(), []byte("w-1")) || !bytes.Contains(buf.Bytes(), []byte("w-2")) {
		t.Fatalf("expected both worker IDs in output, got %q", out)
	}
	if !bytes.Contains(buf.Bytes(), []byte("running")) {
		t.Fatalf("expected worker status in output, got %q", out)
	}
}

func TestControlWorkerUnknownIDFails(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.SetOut(&bytes.Buffer{})

	err := controlWorker(cmd, nil, "missing", false, false, false)
	if err == nil {
		t.Fatalf("expected an error for an unrecorded worker id")
	}
}

func TestControlWorkerDescribesRecordedPID(t *testing.T) {
	// Record a worker under our own PID to exercise the record lookup
	// without depending on a real supervised child being present.
	records := []supervisor.WorkerRecord{
		{ID: "self", PID: os.Getpid(), Status: supervisor.StatusRunning},
	}

	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)

	// Exercise the describe (no-flag) path, which never signals anything.
	if err := controlWorker(cmd, records, "self", false, false, false); err != nil {
		t.Fatalf("unexpected error describing worker: %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte(strconv.Itoa(os.Getpid()))) {
		t.Fatalf("expected describe output to include pid, got %q", buf.String())
	}
}
