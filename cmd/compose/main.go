// Command compose runs reducer-driven state channels over a shared event log.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/compose/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
