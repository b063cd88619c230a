// Package agent ties the node together: one Agent value owns the
// configuration, the broker session, and the job table, and a single
// event-loop goroutine pumps both the broker and the jobs. Broker callbacks
// are drained onto that goroutine, so every piece of state has exactly one
// writer.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.jetify.com/typeid"

	"github.com/gridnode/agent/internal/broker"
	"github.com/gridnode/agent/internal/config"
	"github.com/gridnode/agent/pkg/jobs"
)

// ErrReloadRequested is returned by Run when the node was asked to re-exec
// itself. The caller owns the actual exec.
var ErrReloadRequested = errors.New("reload requested")

const (
	// brokerWait paces the event loop while jobs are active: the job pump
	// provides the real delay, so the broker check stays short.
	brokerWait = 4 * time.Millisecond

	// idleWait paces the loop when there are no jobs to pump.
	idleWait = 100 * time.Millisecond

	// DefaultStdoutLimit caps cumulative forwarded output per job. The cap
	// may be exceeded by at most one read buffer.
	DefaultStdoutLimit = 1 << 20
)

// Options are the runtime tunables of the node.
type Options struct {
	MaxJobs     int
	StdoutLimit int64 // 0 disables the output cap
}

// instancePrefix types the per-instance id used to isolate temp scripts.
type instancePrefix struct{}

// Prefix returns the instance id prefix "node"
func (instancePrefix) Prefix() string { return "node" }

type instanceID struct {
	typeid.TypeID[instancePrefix]
}

// Agent is one grid node.
type Agent struct {
	cfg    config.Config
	opts   Options
	broker *broker.Broker
	jobs   *jobs.Table

	scriptDir string

	// runCtx is set for the duration of Run so callbacks invoked from the
	// event loop can publish.
	runCtx context.Context

	// shutdownCh lets signal handlers request a stop from outside the event
	// loop. Everything else happens on the loop itself.
	shutdownCh chan struct{}

	exitRequested   bool
	reloadRequested bool
}

// New creates an Agent and its per-instance script directory.
func New(cfg config.Config, opts Options) (*Agent, error) {
	id, err := typeid.New[instanceID]()
	if err != nil {
		return nil, fmt.Errorf("could not create instance id: %w", err)
	}

	// Scripts live in a directory private to this instance, so concurrent
	// agents on one host never race on cleanup.
	scriptDir := filepath.Join(os.TempDir(), id.String())
	if err := os.Mkdir(scriptDir, 0o700); err != nil {
		return nil, fmt.Errorf("could not create script dir: %w", err)
	}

	a := &Agent{
		cfg:        cfg,
		opts:       opts,
		scriptDir:  scriptDir,
		shutdownCh: make(chan struct{}, 1),
	}

	a.jobs = jobs.NewTable(jobs.Config{
		MaxJobs:   opts.MaxJobs,
		WorkDir:   cfg.JobCwd,
		ScriptDir: scriptDir,
		OnStopped: a.publishStopped,
	})

	a.broker = broker.New(broker.Config{
		Host:      cfg.Host,
		Port:      cfg.Port,
		UseTLS:    cfg.UseTLS,
		Username:  cfg.Username,
		Password:  cfg.Password,
		ClientID:  cfg.NodeName,
		Keepalive: config.DefaultKeepalive,
		Will: &broker.Message{
			Topic:   topicDisconnect,
			Payload: []byte(cfg.NodeName),
		},
		Subscriptions: []string{
			cfg.NodeName + "/#",
			"grid/#",
		},
		OnConnect: a.announce,
	})

	return a, nil
}

// RequestShutdown asks the event loop to stop. Safe to call from signal
// handlers; shutdown on SIGINT is equivalent to receiving the exit verb.
func (a *Agent) RequestShutdown() {
	select {
	case a.shutdownCh <- struct{}{}:
	default:
	}
}

// Run connects to the broker and drives the event loop until the node is
// told to exit or reload. The initial connection failing is fatal;
// connections lost later are retried with backoff.
func (a *Agent) Run(ctx context.Context) error {
	a.runCtx = ctx
	defer func() { a.runCtx = nil }()

	if err := a.broker.Connect(ctx); err != nil {
		return err
	}
	slog.Info("connected to broker", "addr", a.cfg.BrokerAddr(), "node", a.cfg.NodeName)

	defer a.cleanup()

	for {
		a.pumpBroker(ctx)
		a.jobs.PumpOnce()

		switch {
		case a.exitRequested:
			// Jobs are not drained: they are orphaned and the broker's
			// session cleanup drops anything stale.
			a.farewell(ctx)
			if err := a.broker.Disconnect(); err != nil {
				slog.Warn("could not disconnect from broker", "err", err)
			}
			return nil
		case a.reloadRequested:
			a.farewell(ctx)
			if err := a.broker.Disconnect(); err != nil {
				slog.Warn("could not disconnect from broker", "err", err)
			}
			return ErrReloadRequested
		}
	}
}

// pumpBroker performs one tick of broker work: restore the connection if it
// dropped, then route whatever messages have arrived. The wait is bounded so
// the loop stays responsive to job output.
func (a *Agent) pumpBroker(ctx context.Context) {
	if !a.broker.Connected() {
		if err := a.broker.Reconnect(ctx); err != nil {
			// Only context cancellation gets here; treat it as exit.
			a.exitRequested = true
			return
		}
	}

	wait := brokerWait
	if !a.jobs.AnyActive() {
		wait = idleWait
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case m := <-a.broker.Messages():
		a.route(ctx, m)
	case <-a.shutdownCh:
		a.exitRequested = true
		return
	case <-ctx.Done():
		a.exitRequested = true
		return
	case <-timer.C:
		return
	}

	// Drain whatever else is queued without waiting again.
	for {
		select {
		case m := <-a.broker.Messages():
			a.route(ctx, m)
		case <-a.shutdownCh:
			a.exitRequested = true
			return
		default:
			return
		}
	}
}

// publishStopped reports a collected job: the payload is the raw decimal
// wait status; decoding is the consumer's job.
func (a *Agent) publishStopped(jid uint32, waitStatus int) {
	a.publishJobReply(a.runCtx, jid, "stopped", []byte(fmt.Sprintf("%d", waitStatus)))
}

// relayOutput is the output callback for every job: forward chunks to the
// job's stream topics and enforce the output cap.
func (a *Agent) relayOutput(j *jobs.Job, src jobs.Source, p []byte) {
	if len(p) == 0 {
		// EOF marker; the stream topics carry only data.
		return
	}
	a.publishJobReply(a.runCtx, j.JID(), src.String(), p)

	if a.opts.StdoutLimit > 0 && j.BytesSent() > a.opts.StdoutLimit {
		slog.Warn("job exceeded output cap", "jid", j.JID(), "sent", j.BytesSent())
		if err := a.jobs.OutputClose(j.JID()); err == nil {
			a.narrate(a.runCtx, fmt.Sprintf("job %d exceeded the output cap; closing its output", j.JID()))
		}
	}
}

// cleanup removes the per-instance script directory.
func (a *Agent) cleanup() {
	if err := os.RemoveAll(a.scriptDir); err != nil {
		slog.Warn("could not remove script dir", "dir", a.scriptDir, "err", err)
	}
}
