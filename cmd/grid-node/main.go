package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/gridnode/agent/internal/commands"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	root := cobra.Command{
		Use:   "grid-node",
		Short: "A grid node agent that runs shell jobs submitted over a message broker",

		SilenceUsage: true,
	}

	root.AddCommand(commands.Serve())
	root.AddCommand(commands.Submit())
	root.AddCommand(commands.Ping())
	root.AddCommand(commands.Scram())
	root.AddCommand(commands.Exit())

	return root.ExecuteContext(context.Background())
}
