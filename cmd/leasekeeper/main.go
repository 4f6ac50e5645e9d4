package main

import (
	"fmt"
	"os"

	"github.com/Iron-Ham/leasekeeper/internal/cmd"
	"github.com/Iron-Ham/leasekeeper/internal/cmd/cmdutil"
)

func main() {
	err := cmd.Execute()
	if msg := cmdutil.FormatError(err); msg != "" {
		fmt.Fprintln(os.Stderr, msg)
	}
	os.Exit(cmdutil.ExitCode(err))
}
