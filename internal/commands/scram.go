package commands

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/gridnode/agent/internal/client"
)

type scram struct {
	cfg  client.Config
	node string
	grid bool
}

func Scram() *cobra.Command {
	var s scram

	cmd := cobra.Command{
		Use:   "scram [flags] (--node name | --grid)",
		Short: "Kill every job on a node, or on the whole grid",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return s.scram(cmd)
		},
	}

	s.cfg.Flags(&cmd)
	cmd.Flags().StringVar(&s.node, "node", "", "name of the node to scram")
	cmd.Flags().BoolVar(&s.grid, "grid", false, "scram every node on the grid")

	return &cmd
}

func (s *scram) scram(cmd *cobra.Command) error {
	if s.grid == (s.node != "") {
		return errors.New("exactly one of --node or --grid is required")
	}

	topic := "grid/scram"
	if s.node != "" {
		topic = s.node + "/scram"
	}

	ctx := cmd.Context()
	b, err := s.cfg.Dial(ctx)
	if err != nil {
		return err
	}
	defer b.Disconnect()

	return b.Publish(ctx, topic, 2, false, nil)
}
