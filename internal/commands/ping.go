package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/gridnode/agent/internal/client"
)

type ping struct {
	cfg  client.Config
	wait time.Duration
}

func Ping() *cobra.Command {
	var p ping

	cmd := cobra.Command{
		Use:   "ping",
		Short: "Ask every node on the grid to announce itself",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return p.ping(cmd)
		},
	}

	p.cfg.Flags(&cmd)
	cmd.Flags().DurationVar(&p.wait, "wait", 2*time.Second, "how long to collect announcements")

	return &cmd
}

func (p *ping) ping(cmd *cobra.Command) error {
	ctx := cmd.Context()

	b, err := p.cfg.Dial(ctx, "node/connect", "node/announce")
	if err != nil {
		return err
	}
	defer b.Disconnect()

	if err := b.Publish(ctx, "grid/ping", 1, false, nil); err != nil {
		return err
	}

	deadline := time.NewTimer(p.wait)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return nil
		case m := <-b.Messages():
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", m.Topic, m.Payload)
		}
	}
}
