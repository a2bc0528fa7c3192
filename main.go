package main

import (
	"os"

	"misorachat/internal/cli"
)

func main() {
	cmd := cli.NewRootCmd()
	if err := cmd.Execute(); err != nil {
		cli.PrintError(cmd.ErrOrStderr(), err)
		os.Exit(1)
	}
}
