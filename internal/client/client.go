// Package client is the controller side of the grid: a small broker session
// used by the CLI commands that submit jobs to nodes and observe their
// replies.
package client

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.jetify.com/typeid"

	"github.com/gridnode/agent/internal/broker"
	"github.com/gridnode/agent/internal/config"
)

// ctlPrefix types the controller's broker client id.
type ctlPrefix struct{}

// Prefix returns the controller id prefix "ctl"
func (ctlPrefix) Prefix() string { return "ctl" }

type ctlID struct {
	typeid.TypeID[ctlPrefix]
}

// Config contains the broker connection configuration passed in via cli
// flags.
type Config struct {
	Host     string
	Port     int
	UseTLS   bool
	Username string
	Password string
}

func (c *Config) Flags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&c.Host, "host", config.DefaultHost, "broker host")
	cmd.Flags().IntVar(&c.Port, "port", config.DefaultPort, "broker port")
	cmd.Flags().BoolVar(&c.UseTLS, "tls", false, "connect to the broker over TLS")
	cmd.Flags().StringVar(&c.Username, "username", "", "broker username")
	cmd.Flags().StringVar(&c.Password, "password", "", "broker password")
}

// Dial connects to the broker with a fresh controller identity, subscribed
// to the given topic filters.
func (c *Config) Dial(ctx context.Context, subscriptions ...string) (*broker.Broker, error) {
	id, err := typeid.New[ctlID]()
	if err != nil {
		return nil, fmt.Errorf("could not create controller id: %w", err)
	}

	b := broker.New(broker.Config{
		Host:          c.Host,
		Port:          c.Port,
		UseTLS:        c.UseTLS,
		Username:      c.Username,
		Password:      c.Password,
		ClientID:      id.String(),
		Keepalive:     config.DefaultKeepalive,
		Subscriptions: subscriptions,
	})
	if err := b.Connect(ctx); err != nil {
		return nil, err
	}
	return b, nil
}
