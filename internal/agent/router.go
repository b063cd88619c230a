package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/gridnode/agent/internal/broker"
	"github.com/gridnode/agent/pkg/jobs"
)

// verb enumerates the operations addressable through the topic namespace.
type verb int

const (
	verbUnknown verb = iota
	verbSubmit
	verbStdin
	verbEOF
	verbSignal
	verbScram
	verbExit
	verbReload
	verbPing
)

// request is a parsed incoming topic.
type request struct {
	verb   verb
	jid    uint32
	signum int
}

// parseTopic matches topic against the node's namespace. Patterns are tried
// in a fixed order; a job-id token that does not parse as an unsigned
// decimal integer falls through, so the topic ends up unknown rather than
// misrouted.
func parseTopic(node, topic string) (request, bool) {
	if topic == "grid/ping" {
		return request{verb: verbPing}, true
	}
	if topic == "grid/scram" {
		return request{verb: verbScram}, true
	}

	parts := strings.Split(topic, "/")
	if parts[0] != node {
		return request{}, false
	}
	rest := parts[1:]

	switch {
	case len(rest) == 2 && rest[0] == "submit":
		if jid, ok := parseJID(rest[1]); ok {
			return request{verb: verbSubmit, jid: jid}, true
		}
	case len(rest) == 2 && rest[0] == "stdin":
		if jid, ok := parseJID(rest[1]); ok {
			return request{verb: verbStdin, jid: jid}, true
		}
	case len(rest) == 2 && rest[0] == "eof":
		if jid, ok := parseJID(rest[1]); ok {
			return request{verb: verbEOF, jid: jid}, true
		}
	case len(rest) == 3 && rest[0] == "signal":
		jid, ok := parseJID(rest[1])
		if !ok {
			break
		}
		signum, err := strconv.Atoi(rest[2])
		if err != nil || signum <= 0 {
			break
		}
		return request{verb: verbSignal, jid: jid, signum: signum}, true
	case len(rest) == 1 && rest[0] == "scram":
		return request{verb: verbScram}, true
	case len(rest) == 1 && rest[0] == "exit":
		return request{verb: verbExit}, true
	case len(rest) == 1 && rest[0] == "reload":
		return request{verb: verbReload}, true
	}

	return request{}, false
}

func parseJID(s string) (uint32, bool) {
	jid, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(jid), true
}

// clampPayload truncates a payload at the script limit before any use.
func clampPayload(p []byte, limit int) []byte {
	if len(p) > limit {
		return p[:limit]
	}
	return p
}

// route dispatches one incoming message.
func (a *Agent) route(ctx context.Context, m broker.Message) {
	req, ok := parseTopic(a.cfg.NodeName, m.Topic)
	if !ok {
		slog.Debug("ignoring message on unknown topic", "topic", m.Topic)
		return
	}
	payload := clampPayload(m.Payload, jobs.DefaultScriptLimit)

	switch req.verb {
	case verbSubmit:
		a.handleSubmit(ctx, req.jid, payload)
	case verbStdin:
		if err := a.jobs.StdinWrite(req.jid, payload); err != nil {
			a.narrate(ctx, fmt.Sprintf("stdin write to job %d failed: %v", req.jid, err))
		}
	case verbEOF:
		if err := a.jobs.StdinEOF(req.jid); err != nil {
			a.narrate(ctx, fmt.Sprintf("stdin close for job %d failed: %v", req.jid, err))
		}
	case verbSignal:
		if err := a.jobs.Signal(req.jid, req.signum); err != nil {
			a.narrate(ctx, fmt.Sprintf("signal %d to job %d failed: %v", req.signum, req.jid, err))
		}
	case verbScram:
		a.jobs.Scram()
	case verbExit:
		slog.Info("exit requested via broker")
		a.exitRequested = true
	case verbReload:
		a.handleReload(ctx)
	case verbPing:
		a.announce()
		a.publishRollCall(ctx)
	}
}

// handleSubmit runs a submission end to end: spawn, then report startup or
// the rejection, addressed by the id that was (or would have been) used.
func (a *Agent) handleSubmit(ctx context.Context, jid uint32, payload []byte) {
	jid, err := a.jobs.Submit(jid, a.relayOutput, string(payload))
	if err != nil {
		slog.Warn("job rejected", "jid", jid, "err", err)
		a.publishJobReply(ctx, jid, "reject", []byte(err.Error()))
		return
	}
	a.publishJobReply(ctx, jid, "startup", nil)
}

// handleReload re-execs the node binary, refused while jobs are active.
func (a *Agent) handleReload(ctx context.Context) {
	if a.jobs.AnyActive() {
		a.narrate(ctx, "reload refused: jobs are active")
		return
	}
	slog.Info("reload requested via broker")
	a.reloadRequested = true
}

// publishJobReply publishes on the per-job response topic schema.
func (a *Agent) publishJobReply(ctx context.Context, jid uint32, leaf string, payload []byte) {
	if ctx == nil {
		ctx = context.Background()
	}
	topic := fmt.Sprintf("job/%d/%s", jid, leaf)
	if err := a.broker.Publish(ctx, topic, 2, false, payload); err != nil {
		slog.Warn("could not publish job reply", "topic", topic, "err", err)
	}
}
