package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/relaysignal/signalman/internal/app"
)

// registerTasks installs the work units this binary's runner subprocess
// (task:run-unit) and in-process sync/process driver can invoke by name.
// Kept intentionally small: spec.md's work-unit mechanism is about the
// executor's envelope (naming, signing, isolation), not a catalog of
// business jobs, so "echo" stands in for whatever real jobs an operator
// would register at startup.
func registerTasks(ctx *app.Context) {
	ctx.Tasks.Register("echo", echoJob)
	ctx.Tasks.Register("ping", pingJob)
}

func echoJob(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	return args, nil
}

func pingJob(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(map[string]string{"pong": time.Now().UTC().Format(time.RFC3339)})
}
