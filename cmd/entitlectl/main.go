package main

import (
	"fmt"
	"os"

	"github.com/platinummonkey/entitle/pkg/cli"
)

func main() {
	if err := cli.NewRootCommand(cli.Options{}).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
