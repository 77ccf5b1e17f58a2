package main

import (
	"fmt"
	"os"

	"github.com/quarrylabs/quarry/pkg/cli"
)

func main() {
	rootCmd := cli.NewServiceCommand(cli.ServiceCommandOptions{
		Name:        "quarry",
		Description: "Namespaced priority job queue",
	})
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
