package jobs

import "errors"

// Error kinds reported by the job engine. Per-job operations return these,
// possibly wrapped around an underlying syscall error, so callers can surface
// them as reject replies or announcements without terminating the agent.
var (
	// ErrCapacityExhausted is returned by Submit when every slot in the job
	// table is occupied.
	ErrCapacityExhausted = errors.New("job table full")

	// ErrNotFound is returned when no active job has the requested id.
	ErrNotFound = errors.New("no such job")

	// ErrJobIDInUse is returned by Submit when the requested id already
	// belongs to an active job.
	ErrJobIDInUse = errors.New("job id already in use")

	// ErrClosed is returned by stdin operations after the write end of the
	// job's stdin pipe has been closed.
	ErrClosed = errors.New("job stdin already closed")

	// ErrWouldBlock is returned when a stdin write could not be completed
	// without blocking. The engine keeps no retry buffer; the caller decides
	// whether to try again.
	ErrWouldBlock = errors.New("job stdin would block")

	// ErrBadArg is returned by Submit for invalid arguments, such as a nil
	// output callback.
	ErrBadArg = errors.New("bad argument")

	// ErrPipeFailed is returned when the stdio pipes for a new job could not
	// be created.
	ErrPipeFailed = errors.New("could not create stdio pipes")

	// ErrFcntlFailed is returned when the stdin write end could not be put
	// into non-blocking mode.
	ErrFcntlFailed = errors.New("could not set stdin non-blocking")

	// ErrSpawnFailed is returned when the job subprocess could not be forked
	// or its shell could not be executed.
	ErrSpawnFailed = errors.New("could not spawn job process")

	// ErrTempFileFailed is returned when the job script could not be written.
	ErrTempFileFailed = errors.New("could not create job script")

	// ErrSharedPGroup is returned when a signal would be delivered to the
	// process group the agent itself belongs to.
	ErrSharedPGroup = errors.New("job shares the agent's process group")
)
