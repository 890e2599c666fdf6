package main

import (
	"os"

	"pipeline-bootstrap/internal/cli"
	statemanager "pipeline-bootstrap/state_manager"
)

func main() {
	cmd := cli.NewCommand("terminate", statemanager.WorkflowTeardown,
		"Delete the web stack and then the CI stack after confirmation")
	os.Exit(cli.Main(cmd))
}
