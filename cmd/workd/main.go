package main

import (
	"fmt"
	"os"

	"github.com/roach88/workd/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "workd:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
