package commands

import (
	"github.com/spf13/cobra"

	"github.com/gridnode/agent/internal/client"
)

type exit struct {
	cfg  client.Config
	node string
}

func Exit() *cobra.Command {
	var e exit

	cmd := cobra.Command{
		Use:   "exit [flags] --node name",
		Short: "Shut a grid node down",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return e.exit(cmd)
		},
	}

	e.cfg.Flags(&cmd)
	cmd.Flags().StringVar(&e.node, "node", "", "name of the node to shut down (required)")
	_ = cmd.MarkFlagRequired("node")

	return &cmd
}

func (e *exit) exit(cmd *cobra.Command) error {
	ctx := cmd.Context()
	b, err := e.cfg.Dial(ctx)
	if err != nil {
		return err
	}
	defer b.Disconnect()

	return b.Publish(ctx, e.node+"/exit", 2, false, nil)
}
