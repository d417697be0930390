// Command iocontrol polls and dispatches industrial I/O points.
package main

import (
	"fmt"
	"os"

	"github.com/ValorenceCLE/iocontrol/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
