package main

import (
	"os"

	"pipeline-bootstrap/internal/cli"
	statemanager "pipeline-bootstrap/state_manager"
)

func main() {
	cmd := cli.NewCommand("status", statemanager.WorkflowStatus,
		"Check that both stacks exist and the site serves the expected content")
	os.Exit(cli.Main(cmd))
}
