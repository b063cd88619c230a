package commands

import (
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/gridnode/agent/internal/agent"
	"github.com/gridnode/agent/internal/config"
	"github.com/gridnode/agent/pkg/jobs"
)

type serve struct {
	opts agent.Options
}

func Serve() *cobra.Command {
	var s serve

	cmd := cobra.Command{
		Use:   "serve",
		Short: "Run the node agent and serve jobs submitted over the grid",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return s.serve(cmd)
		},
	}

	cmd.Flags().IntVar(&s.opts.MaxJobs, "max-jobs", jobs.DefaultMaxJobs, "number of concurrent job slots")
	cmd.Flags().Int64Var(&s.opts.StdoutLimit, "stdout-limit", agent.DefaultStdoutLimit, "per-job cumulative output cap in bytes, 0 to disable")

	return &cmd
}

func (s *serve) serve(cmd *cobra.Command) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	password := "(not set)"
	if cfg.Password != "" {
		password = "(set)"
	}
	slog.Info("configuration",
		"host", cfg.Host,
		"port", cfg.Port,
		"tls", cfg.UseTLS,
		"username", cfg.Username,
		"password", password,
		"node_name", cfg.NodeName,
		"job_cwd", cfg.JobCwd,
	)

	a, err := agent.New(cfg, s.opts)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Warn("caught signal, shutting down", "sig", sig)
		a.RequestShutdown()
	}()

	err = a.Run(cmd.Context())
	if errors.Is(err, agent.ErrReloadRequested) {
		exe, execErr := os.Executable()
		if execErr != nil {
			return execErr
		}
		slog.Info("reloading", "exe", exe)
		return unix.Exec(exe, os.Args, os.Environ())
	}
	return err
}
