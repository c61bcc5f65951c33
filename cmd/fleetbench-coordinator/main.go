package main

import (
	"os"

	"github.com/G-Research/fleetbench/cmd/fleetbench-coordinator/cmd"
	"github.com/G-Research/fleetbench/internal/common/logging"
)

func main() {
	logging.ConfigureLogging()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
