package consts

import "time"

// ProcessState is the lifecycle state of a single child process.
type ProcessState string

const (
	StateNotRunning ProcessState = "NOT_RUNNING"
	StateStarting   ProcessState = "STARTING" // forked, exec outcome not yet observed
	StateRunning    ProcessState = "RUNNING"
)

// JobState is the lifecycle state of an orchestrated job.
type JobState string

const (
	JobPending  JobState = "PENDING"
	JobStarting JobState = "STARTING"
	JobRunning  JobState = "RUNNING"
	JobDraining JobState = "DRAINING" // stopping stages after a timeout or signal
	JobStopped  JobState = "STOPPED"
	JobFailed   JobState = "FAILED"
)

// ChannelMode selects how a child's stdout and stderr are routed.
type ChannelMode string

const (
	ModeSeparate  ChannelMode = "separate"  // two pipes back to the parent
	ModeMerged    ChannelMode = "merged"    // stderr folded into stdout
	ModeForwarded ChannelMode = "forwarded" // child writes straight to the parent's stdout/stderr
)

// Reaper self-pipe protocol.
const (
	ReaperWakeByte     byte = 0
	ReaperShutdownByte byte = '@'
)

// Detached launch handshake bytes written by the intermediate child.
const (
	DetachExecFailed    byte = 1
	DetachInternalError byte = 2
)

const (
	// DetachTrampoline is the argv[0] under which this binary acts as the
	// intermediate child of a double fork.
	DetachTrampoline = "procwarden-detach-trampoline"

	// ErrorBufferMax bounds the exec error text passed over the started pipe.
	ErrorBufferMax = 512

	// RedirectFileMode is the permission used when creating redirect targets.
	RedirectFileMode = 0o666

	DefaultWaitTimeout = 30 * time.Second
	DefaultGracePeriod = 5 * time.Second
	WaitForever        = time.Duration(-1)
)

// Personal.AI order the ending
