package main

import (
	"fmt"
	"os"

	"github.com/dmitrijs2005/harmony/internal/ctl"
)

func main() {
	if err := ctl.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(ctl.GetExitCode(err))
	}
}
