// Package jobs implements the agent's job table and subprocess lifecycle
// engine: a fixed-capacity slot table, a three-pipe stdio harness around each
// job's shell, non-blocking stdin injection, process-group signalling, and
// the drain-then-reap collection path that ends with a stopped notification.
package jobs

import (
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"
)

// Defaults for the engine's tunables. They can all be overridden through
// Config.
const (
	DefaultMaxJobs      = 8
	DefaultBufferSize   = 256
	DefaultPollInterval = 100 * time.Millisecond
	DefaultScriptLimit  = 4096
	DefaultShell        = "/bin/sh"
)

// jidCounterBase seeds the counter used when a submitter lets the node
// allocate the job id. Zero is never a valid id for a live job.
const jidCounterBase = 777

// Config parameterizes a Table.
type Config struct {
	// MaxJobs is the fixed slot capacity.
	MaxJobs int

	// Shell is the interpreter jobs are run with.
	Shell string

	// WorkDir is the working directory jobs start in.
	WorkDir string

	// ScriptDir is the directory job scripts are written to. It should be
	// private to this agent instance so cleanup never races a neighbour.
	ScriptDir string

	// BufferSize bounds a single output read. Jobs that print more are
	// forwarded in multiple chunks.
	BufferSize int

	// PollInterval bounds how long a pump tick waits on one job's output.
	PollInterval time.Duration

	// ScriptLimit is the maximum command length in bytes. Longer commands
	// are truncated at exactly this limit.
	ScriptLimit int

	// OnStopped is invoked once per job after the subprocess has been reaped
	// and its output drained, with the raw wait status word.
	OnStopped func(jid uint32, waitStatus int)
}

// Table is the fixed-capacity registry of active jobs. It is not safe for
// concurrent use: the agent's single executor owns it.
type Table struct {
	cfg     Config
	slots   []Job
	buf     []byte
	nextJID uint32
}

// NewTable creates a job table with empty slots.
func NewTable(cfg Config) *Table {
	if cfg.MaxJobs <= 0 {
		cfg.MaxJobs = DefaultMaxJobs
	}
	if cfg.Shell == "" {
		cfg.Shell = DefaultShell
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = "/"
	}
	if cfg.ScriptDir == "" {
		cfg.ScriptDir = os.TempDir()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ScriptLimit <= 0 {
		cfg.ScriptLimit = DefaultScriptLimit
	}

	t := &Table{
		cfg:     cfg,
		slots:   make([]Job, cfg.MaxJobs),
		buf:     make([]byte, cfg.BufferSize),
		nextJID: jidCounterBase,
	}
	t.Init()
	return t
}

// Init resets every slot to its empty form. Idempotent.
func (t *Table) Init() {
	for i := range t.slots {
		t.slots[i].reset()
	}
}

// allocate returns the first empty slot, or nil when the table is full.
func (t *Table) allocate() *Job {
	for i := range t.slots {
		if !t.slots[i].running {
			t.slots[i].reset()
			return &t.slots[i]
		}
	}
	return nil
}

// find returns the active slot with the given id. Slots that have been
// collected are never returned, even if their id field transiently matches.
func (t *Table) find(jid uint32) *Job {
	for i := range t.slots {
		if t.slots[i].running && t.slots[i].jid == jid {
			return &t.slots[i]
		}
	}
	return nil
}

// AnyActive reports whether any job slot is occupied.
func (t *Table) AnyActive() bool {
	for i := range t.slots {
		if t.slots[i].running {
			return true
		}
	}
	return false
}

// RollCall returns the ids of all active jobs in slot order.
func (t *Table) RollCall() []uint32 {
	jids := make([]uint32, 0, len(t.slots))
	for i := range t.slots {
		if t.slots[i].running {
			jids = append(jids, t.slots[i].jid)
		}
	}
	return jids
}

// assignJID picks a fresh id from the counter, skipping any that are
// somehow still active.
func (t *Table) assignJID() uint32 {
	for {
		jid := t.nextJID
		t.nextJID++
		if jid != 0 && t.find(jid) == nil {
			return jid
		}
	}
}

// Submit writes command to a temp script and spawns a shell to run it. A
// zero jid asks the table to allocate one; the id actually used is always
// returned, including on failure, so rejections can name the job they refuse.
// Commands longer than the script limit are truncated at exactly that limit.
func (t *Table) Submit(jid uint32, onOutput OnOutput, command string) (uint32, error) {
	if jid == 0 {
		jid = t.assignJID()
	} else if t.find(jid) != nil {
		return jid, ErrJobIDInUse
	}

	if len(command) > t.cfg.ScriptLimit {
		command = command[:t.cfg.ScriptLimit]
	}

	script, err := os.CreateTemp(t.cfg.ScriptDir, "job*.sh")
	if err != nil {
		return jid, fmt.Errorf("%w: %v", ErrTempFileFailed, err)
	}
	path := script.Name()
	_, werr := script.WriteString(command + "\n")
	if cerr := script.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(path)
		return jid, fmt.Errorf("%w: %v", ErrTempFileFailed, werr)
	}

	j := t.allocate()
	if j == nil {
		os.Remove(path)
		return jid, ErrCapacityExhausted
	}
	j.tempPath = path

	if err := j.spawn(&t.cfg, jid, onOutput, path); err != nil {
		os.Remove(path)
		return jid, err
	}
	slog.Info("job spawned", "jid", jid)
	return jid, nil
}

// StdinWrite writes p to the job's stdin. ErrWouldBlock means nothing (or
// only part) was accepted and the caller should retry the whole write.
func (t *Table) StdinWrite(jid uint32, p []byte) error {
	j := t.find(jid)
	if j == nil {
		return ErrNotFound
	}
	return j.writeStdin(p)
}

// StdinEOF closes the job's stdin so it sees end-of-file. Idempotent in the
// sense that repeated calls return ErrClosed.
func (t *Table) StdinEOF(jid uint32) error {
	j := t.find(jid)
	if j == nil {
		return ErrNotFound
	}
	return j.closeStdin()
}

// Signal delivers signum to the job's process group. The agent refuses to
// signal its own process group.
func (t *Table) Signal(jid uint32, signum int) error {
	slog.Info("signalling job", "jid", jid, "signum", signum)
	j := t.find(jid)
	if j == nil {
		return ErrNotFound
	}
	return j.signal(syscall.Signal(signum))
}

// OutputClose closes the job's stdout and stderr read ends, inducing SIGPIPE
// in the child on its next write. Used by the output-cap enforcer.
func (t *Table) OutputClose(jid uint32) error {
	j := t.find(jid)
	if j == nil {
		return ErrNotFound
	}
	j.closeOutputs()
	return nil
}

// Scram SIGKILLs the process group of every active job. The processes dying
// close their pipes and are collected by the normal pump; a second scram is
// safe and will not signal the same pgroup again.
func (t *Table) Scram() {
	slog.Warn("scram invoked")
	for i := range t.slots {
		if t.slots[i].running {
			t.slots[i].kill()
		}
	}
}

// PumpOnce drives every active job one tick: drain readable output first,
// then attempt the non-blocking reap, then collect slots that are fully
// drained and reaped. Output readers always get a chance before a stopped
// notification goes out.
func (t *Table) PumpOnce() {
	timeoutMS := int(t.cfg.PollInterval / time.Millisecond)
	for i := range t.slots {
		j := &t.slots[i]
		if !j.running {
			continue
		}
		if j.stdoutFd != -1 || j.stderrFd != -1 {
			j.pollOutput(t.buf, timeoutMS)
		}
		j.checkReap()
		t.collect(j)
	}
}

// collect finishes a dead job: notify, unlink the script, empty the slot.
func (t *Table) collect(j *Job) {
	if !j.dead() {
		return
	}
	slog.Info("job done", "jid", j.jid, "status", j.exitStat)
	j.running = false
	if t.cfg.OnStopped != nil {
		t.cfg.OnStopped(j.jid, j.exitStat)
	}
	t.removeTemp(j)
	j.reset()
}

func (t *Table) removeTemp(j *Job) {
	if j.tempPath == "" {
		return
	}
	if err := os.Remove(j.tempPath); err != nil {
		slog.Warn("could not unlink job script", "path", j.tempPath, "err", err)
	}
}
