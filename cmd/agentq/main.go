package main

import (
	"os"

	"agentq/cmd/agentq/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
