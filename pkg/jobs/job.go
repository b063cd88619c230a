package jobs

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// Source identifies which of a job's output streams a chunk was read from.
type Source int

const (
	Stdout Source = iota
	Stderr
)

func (s Source) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// OnOutput is invoked once per non-empty read from one of a job's output
// pipes, and once more with an empty slice when that stream reaches EOF. The
// buffer is only valid for the duration of the call.
type OnOutput func(j *Job, src Source, p []byte)

// SpawnFailureStatus is the exit status reserved for a child that could not
// be brought up. A job exiting with it failed to launch, as opposed to the
// user's program failing.
const SpawnFailureStatus = 0xEE

// Job is one slot of the job table. A zero slot (not running, no pid, all
// descriptors closed) is empty and eligible for allocation. Between
// subprocess exit and the final EOF on its output pipes the slot is draining:
// pid is zero but the slot is still active.
type Job struct {
	jid      uint32
	pid      int
	stdinFd  int // parent-side write end, -1 once closed
	stdoutFd int // parent-side read ends, -1 once closed
	stderrFd int
	running  bool
	exitStat int // raw wait status word, meaningful after reap
	onOutput OnOutput
	sent     int64 // cumulative bytes handed to the output callback
	tempPath string
	killed   bool // pgroup already sent SIGKILL by scram
}

// JID returns the job's external identifier. The subprocess pid is
// implementation-private and is not exposed.
func (j *Job) JID() uint32 { return j.jid }

// Running reports whether the slot is active, including the draining
// interval after the subprocess has exited.
func (j *Job) Running() bool { return j.running }

// ExitStatus returns the raw wait status word. It is only meaningful once
// the subprocess has been reaped; decoding exit code vs. signal is the
// consumer's responsibility.
func (j *Job) ExitStatus() int { return j.exitStat }

// BytesSent returns the cumulative output bytes handed to the callback
// across stdout and stderr. Callers use it to enforce an output cap.
func (j *Job) BytesSent() int64 { return j.sent }

// reset returns the slot to its empty form.
func (j *Job) reset() {
	j.jid = 0
	j.pid = 0
	j.stdinFd = -1
	j.stdoutFd = -1
	j.stderrFd = -1
	j.running = false
	j.exitStat = 0
	j.onOutput = nil
	j.sent = 0
	j.tempPath = ""
	j.killed = false
}

// dead reports that the subprocess is gone and both output pipes have been
// drained to EOF.
func (j *Job) dead() bool {
	return j.pid == 0 && j.stdoutFd == -1 && j.stderrFd == -1
}

// scrubbedEnv lists environment variables that must not leak into jobs: the
// agent's own configuration, terminal settings that would mislead programs
// probing for a tty, and the operator's SSH connection info.
var scrubbedEnv = []string{
	"TERM",
	"TERM_PROGRAM",
	"TERM_PROGRAM_VERSION",
	"TMUX_PANE",
	"COLUMNS",
	"SSH_CLIENT",
	"SSH_CONNECTION",
	"SSH_TTY",
}

// scrubEnv returns env minus GRID_* and the denylist above.
func scrubEnv(env []string) []string {
	out := make([]string, 0, len(env))
outer:
	for _, kv := range env {
		name, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(name, "GRID_") {
			continue
		}
		for _, deny := range scrubbedEnv {
			if name == deny {
				continue outer
			}
		}
		out = append(out, kv)
	}
	return out
}

// spawn launches the job's subprocess with a three-pipe stdio harness. The
// child runs in a fresh session in the configured working directory with a
// scrubbed environment. On return the parent holds only its own pipe ends,
// so the output pipes deliver EOF once the subprocess exits.
func (j *Job) spawn(cfg *Config, jid uint32, onOutput OnOutput, scriptPath string) error {
	if onOutput == nil {
		return fmt.Errorf("%w: nil output callback", ErrBadArg)
	}

	j.jid = jid
	j.onOutput = onOutput

	var stdinPipe, stdoutPipe, stderrPipe [2]int
	if err := unix.Pipe2(stdoutPipe[:], unix.O_CLOEXEC); err != nil {
		return fmt.Errorf("%w: stdout: %v", ErrPipeFailed, err)
	}
	if err := unix.Pipe2(stderrPipe[:], unix.O_CLOEXEC); err != nil {
		closeFds(stdoutPipe[:])
		return fmt.Errorf("%w: stderr: %v", ErrPipeFailed, err)
	}
	if err := unix.Pipe2(stdinPipe[:], unix.O_CLOEXEC); err != nil {
		closeFds(stdoutPipe[:])
		closeFds(stderrPipe[:])
		return fmt.Errorf("%w: stdin: %v", ErrPipeFailed, err)
	}

	cleanup := func() {
		closeFds(stdinPipe[:])
		closeFds(stdoutPipe[:])
		closeFds(stderrPipe[:])
		j.reset()
	}

	// Writes to the job's stdin must never stall the agent.
	if err := unix.SetNonblock(stdinPipe[1], true); err != nil {
		cleanup()
		return fmt.Errorf("%w: %v", ErrFcntlFailed, err)
	}

	childStdin := os.NewFile(uintptr(stdinPipe[0]), "job-stdin")
	childStdout := os.NewFile(uintptr(stdoutPipe[1]), "job-stdout")
	childStderr := os.NewFile(uintptr(stderrPipe[1]), "job-stderr")

	cmd := exec.Command(cfg.Shell, scriptPath)
	cmd.Stdin = childStdin
	cmd.Stdout = childStdout
	cmd.Stderr = childStderr
	cmd.Dir = cfg.WorkDir
	cmd.Env = scrubEnv(os.Environ())
	// A fresh session detaches the job from the agent's terminal and gives
	// it its own process group, so signals can reach the shell's children.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		childStdin.Close()
		childStdout.Close()
		childStderr.Close()
		closeFds([]int{stdinPipe[1], stdoutPipe[0], stderrPipe[0]})
		j.reset()
		return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	j.pid = cmd.Process.Pid
	j.running = true
	j.stdinFd = stdinPipe[1]
	j.stdoutFd = stdoutPipe[0]
	j.stderrFd = stderrPipe[0]

	// Orphan the child-side ends. This is what makes the output pipes
	// deliver EOF when the subprocess exits.
	childStdin.Close()
	childStdout.Close()
	childStderr.Close()

	return nil
}

func closeFds(fds []int) {
	for _, fd := range fds {
		if fd >= 0 {
			unix.Close(fd)
		}
	}
}

// writeStdin writes p to the job's stdin without blocking. A short write is
// reported as ErrWouldBlock: there is no retry buffer, so the caller treats
// it the same as a fully blocked pipe.
func (j *Job) writeStdin(p []byte) error {
	if j.stdinFd == -1 {
		return ErrClosed
	}
	n, err := unix.Write(j.stdinFd, p)
	if err == unix.EAGAIN {
		return ErrWouldBlock
	}
	if err != nil {
		return fmt.Errorf("write job stdin: %w", err)
	}
	if n < len(p) {
		return ErrWouldBlock
	}
	return nil
}

// closeStdin closes the parent-side stdin so the job sees EOF. Subsequent
// calls return ErrClosed.
func (j *Job) closeStdin() error {
	if j.stdinFd == -1 {
		return ErrClosed
	}
	err := unix.Close(j.stdinFd)
	j.stdinFd = -1
	if err != nil {
		return fmt.Errorf("close job stdin: %w", err)
	}
	return nil
}

// closeOutput closes one of the job's output read ends after EOF.
func (j *Job) closeOutput(src Source) {
	fdp := &j.stdoutFd
	if src == Stderr {
		fdp = &j.stderrFd
	}
	if *fdp == -1 {
		return
	}
	unix.Close(*fdp)
	*fdp = -1
}

// closeOutputs closes both output read ends. The subprocess encounters
// SIGPIPE on its next write, which is how the output-cap enforcer stops a
// runaway job.
func (j *Job) closeOutputs() {
	j.closeOutput(Stdout)
	j.closeOutput(Stderr)
}

// pgroup returns the job's process group, refusing to resolve one shared
// with the agent itself.
func (j *Job) pgroup() (int, error) {
	pgid, err := unix.Getpgid(j.pid)
	if err != nil {
		return 0, fmt.Errorf("get process group of job %d: %w", j.jid, err)
	}
	self, err := unix.Getpgid(os.Getpid())
	if err == nil && pgid == self {
		return 0, ErrSharedPGroup
	}
	return pgid, nil
}

// signal delivers sig to the job's process group, not just the immediate
// child, so the shell's grandchildren receive it too.
func (j *Job) signal(sig syscall.Signal) error {
	if j.pid == 0 {
		return ErrNotFound
	}
	pgid, err := j.pgroup()
	if err != nil {
		return err
	}
	if err := unix.Kill(-pgid, sig); err != nil {
		return fmt.Errorf("signal job %d: %w", j.jid, err)
	}
	return nil
}

// kill SIGKILLs the job's process group. Used by scram; repeated calls do
// not signal the same pgroup twice.
func (j *Job) kill() {
	if j.pid == 0 || j.killed {
		return
	}
	if err := j.signal(unix.SIGKILL); err != nil {
		slog.Warn("could not kill job", "jid", j.jid, "err", err)
		return
	}
	j.killed = true
}

// pollOutput waits up to timeoutMS for data on the job's output pipes and
// forwards whatever is readable. Stdout is attempted before stderr within a
// tick. A zero-length read means EOF: the callback is still invoked, with an
// empty slice, and the descriptor is closed.
func (j *Job) pollOutput(buf []byte, timeoutMS int) {
	pfds := []unix.PollFd{
		{Fd: int32(j.stdoutFd), Events: unix.POLLIN},
		{Fd: int32(j.stderrFd), Events: unix.POLLIN},
	}

	// Negative descriptors are ignored by poll, which is exactly what a
	// half-drained job needs.
	ready, err := unix.Poll(pfds, timeoutMS)
	if err != nil || ready == 0 {
		// EINTR and EAGAIN just mean "try again next tick".
		return
	}

	for i := range pfds {
		if pfds[i].Revents&(unix.POLLIN|unix.POLLHUP) == 0 {
			continue
		}
		src := Stdout
		fd := j.stdoutFd
		if i == 1 {
			src = Stderr
			fd = j.stderrFd
		}
		n, err := unix.Read(fd, buf)
		if err != nil || n < 0 {
			slog.Warn("error reading job output", "jid", j.jid, "source", src, "err", err)
			continue
		}
		j.sent += int64(n)
		j.onOutput(j, src, buf[:n])
		if n == 0 {
			j.closeOutput(src)
		}
	}
}

// checkReap performs the non-blocking wait. When the subprocess has exited,
// the pid is cleared, the raw wait status stored, and stdin closed if the
// submitter never did.
func (j *Job) checkReap() {
	if j.pid == 0 {
		return
	}
	var ws unix.WaitStatus
	pid, err := unix.Wait4(j.pid, &ws, unix.WNOHANG, nil)
	if err != nil {
		slog.Warn("waitpid failed", "jid", j.jid, "err", err)
		return
	}
	if pid == 0 {
		return
	}
	slog.Info("job subprocess exited", "jid", j.jid, "status", int(ws))
	j.pid = 0
	j.exitStat = int(ws)
	if j.stdinFd != -1 {
		unix.Close(j.stdinFd)
		j.stdinFd = -1
	}
}
