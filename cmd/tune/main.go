package main

import (
	"os"

	"github.com/kirillkom/evidence-core/internal/adapters/cli"
)

func main() {
	if err := cli.NewTuneCommand(os.Stdout).Execute(); err != nil {
		os.Stderr.WriteString("Error: " + err.Error() + "\n")
		os.Exit(1)
	}
}
