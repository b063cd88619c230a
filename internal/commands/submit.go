package commands

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/gridnode/agent/internal/client"
	"github.com/gridnode/agent/pkg/jobs"
)

type submit struct {
	cfg    client.Config
	node   string
	jid    uint32
	follow bool
}

func Submit() *cobra.Command {
	var s submit

	cmd := cobra.Command{
		Use:   "submit [flags] --node name -- command [args]...",
		Short: "Submit a shell command to a grid node",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.submit(cmd, strings.Join(args, " "))
		},
	}

	s.cfg.Flags(&cmd)
	cmd.Flags().StringVar(&s.node, "node", "", "name of the node to run the job on (required)")
	_ = cmd.MarkFlagRequired("node")
	cmd.Flags().Uint32Var(&s.jid, "jid", 0, "job id to submit under, 0 to pick one")
	cmd.Flags().BoolVar(&s.follow, "follow", false, "stream the job's output and wait for it to stop")

	return &cmd
}

func (s *submit) submit(cmd *cobra.Command, command string) error {
	ctx := cmd.Context()

	// Following replies requires knowing the id up front, so when the user
	// leaves allocation to us we pick a random one instead of letting the
	// node choose.
	if s.jid == 0 && s.follow {
		var buf [4]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return err
		}
		s.jid = binary.LittleEndian.Uint32(buf[:]) | 1
	}

	var subs []string
	if s.follow {
		subs = append(subs, fmt.Sprintf("job/%d/#", s.jid))
	}

	b, err := s.cfg.Dial(ctx, subs...)
	if err != nil {
		return err
	}
	defer b.Disconnect()

	topic := fmt.Sprintf("%s/submit/%d", s.node, s.jid)
	if err := b.Publish(ctx, topic, 2, false, []byte(command)); err != nil {
		return err
	}

	if !s.follow {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-b.Messages():
			done, err := s.handleReply(cmd, m.Topic, m.Payload)
			if done || err != nil {
				return err
			}
		}
	}
}

// handleReply processes one job/<jid>/<verb> message, returning done once
// the job has stopped or been rejected.
func (s *submit) handleReply(cmd *cobra.Command, topic string, payload []byte) (bool, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 {
		return false, nil
	}

	switch parts[2] {
	case "startup":
		fmt.Fprintf(cmd.ErrOrStderr(), "job %d started\n", s.jid)
	case "reject":
		return true, fmt.Errorf("job %d rejected: %s", s.jid, payload)
	case "stdout":
		_, _ = cmd.OutOrStdout().Write(payload)
	case "stderr":
		_, _ = cmd.ErrOrStderr().Write(payload)
	case "stopped":
		stat, err := strconv.Atoi(string(payload))
		if err != nil {
			return true, fmt.Errorf("job %d stopped with unreadable status %q", s.jid, payload)
		}
		return true, describeStatus(s.jid, unix.WaitStatus(stat))
	}
	return false, nil
}

// describeStatus decodes a raw wait status into a final verdict for the
// terminal. A nil return means the job succeeded.
func describeStatus(jid uint32, ws unix.WaitStatus) error {
	switch {
	case ws.Signaled():
		return fmt.Errorf("job %d killed by signal %d (%s)", jid, int(ws.Signal()), unix.SignalName(ws.Signal()))
	case ws.Exited() && ws.ExitStatus() == jobs.SpawnFailureStatus:
		return fmt.Errorf("job %d failed to launch", jid)
	case ws.Exited() && ws.ExitStatus() != 0:
		return fmt.Errorf("job %d exited with status %d", jid, ws.ExitStatus())
	default:
		return nil
	}
}
