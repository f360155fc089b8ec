// APM - phase-driven workflow core
// Runs projects through ANALYZE, PLAN, CREATE, IMPLEMENT and REFLECT
package main

import (
	"fmt"
	"os"

	"github.com/JochenWeerda/valeo-apm/cmd"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cmd.SetVersion(version, commit, date)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cmd.ExitCode(err))
	}
}
