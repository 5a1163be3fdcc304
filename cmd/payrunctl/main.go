package main

import (
	"fmt"
	"os"

	"payrun-orchestrator/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "payrunctl:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
