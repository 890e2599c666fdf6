package main

import (
	"os"

	"pipeline-bootstrap/internal/cli"
	statemanager "pipeline-bootstrap/state_manager"
)

func main() {
	cmd := cli.NewCommand("provision", statemanager.WorkflowProvision,
		"Create or update the CI stack and wait for the pipeline to deploy the web stack")
	os.Exit(cli.Main(cmd))
}
