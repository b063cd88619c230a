package agent

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Node-wide topics. Per-job response topics are built in publishJobReply.
const (
	topicConnect    = "node/connect"
	topicDisconnect = "node/disconnect"
	topicAnnounce   = "node/announce"
)

// announce publishes the node's existence. Runs on connect, reconnect, and
// in response to grid/ping.
func (a *Agent) announce() {
	ctx := a.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := a.broker.Publish(ctx, topicConnect, 1, false, []byte(a.cfg.NodeName)); err != nil {
		slog.Warn("could not announce", "err", err)
	}
}

// farewell publishes the graceful-shutdown notice. The last will covers the
// ungraceful case.
func (a *Agent) farewell(ctx context.Context) {
	if err := a.broker.Publish(ctx, topicDisconnect, 1, false, []byte(a.cfg.NodeName)); err != nil {
		slog.Warn("could not send farewell", "err", err)
	}
}

// narrate publishes node-wide narration as "<node>: <text>".
func (a *Agent) narrate(ctx context.Context, text string) {
	payload := []byte(a.cfg.NodeName + ": " + text)
	if err := a.broker.Publish(ctx, topicAnnounce, 1, false, payload); err != nil {
		slog.Warn("could not narrate", "text", text, "err", err)
	}
}

// rollCall describes the node's active jobs.
type rollCall struct {
	Node string   `json:"node"`
	Jobs []uint32 `json:"jobs"`
}

// rollCallPayload serializes the announcement compactly.
func rollCallPayload(node string, jids []uint32) ([]byte, error) {
	if jids == nil {
		jids = []uint32{}
	}
	return json.Marshal(rollCall{Node: node, Jobs: jids})
}

// publishRollCall enumerates active jobs on the narration topic.
func (a *Agent) publishRollCall(ctx context.Context) {
	payload, err := rollCallPayload(a.cfg.NodeName, a.jobs.RollCall())
	if err != nil {
		slog.Warn("could not serialize roll call", "err", err)
		return
	}
	if err := a.broker.Publish(ctx, topicAnnounce, 1, false, payload); err != nil {
		slog.Warn("could not publish roll call", "err", err)
	}
}
