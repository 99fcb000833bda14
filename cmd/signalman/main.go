// Command signalman is the realtime messaging subsystem's single binary:
// it serves the WebSocket/HTTP surface, runs as a batch consumer supervisor
// (in-process or as a re-exec'd worker), runs task-executor runner
// subprocesses, and hosts the handful of operator inspection commands
// spec.md §6 names. Grounded on the teacher's single-binary
// api_realtime/cmd/signalman/main.go, restructured around spf13/cobra the
// way cli/cmd/root.go structures the operator CLI.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
