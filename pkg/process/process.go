// Package process launches and supervises child processes on POSIX systems.
//
// A Process owns up to three pipes to its child plus two private pipes: the
// started pipe, which reports exec failures, and the death pipe, which the
// shared reaper pokes on every SIGCHLD. Callers either block in the
// WaitFor* methods or install a Dispatcher and receive Hooks callbacks.
//
// A Process is not safe for concurrent use. With a Dispatcher installed, call
// its methods from the dispatcher goroutine.
package process

import (
	"bytes"
	"io"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/turtacn/Procwarden/internal/resource"
	"github.com/turtacn/Procwarden/pkg/consts"
	"github.com/turtacn/Procwarden/pkg/errors"
	"github.com/turtacn/Procwarden/pkg/eventloop"
	"github.com/turtacn/Procwarden/pkg/fsm"
	"github.com/turtacn/Procwarden/pkg/logger"
	"github.com/turtacn/Procwarden/pkg/reaper"
)

// Channel selects which output stream Read consumes.
type Channel int

const (
	StandardOutput Channel = iota
	StandardError
)

// ExitStatus tells a normal exit from death by signal.
type ExitStatus int

const (
	NormalExit ExitStatus = iota
	CrashExit
)

func (s ExitStatus) String() string {
	if s == CrashExit {
		return "crashed"
	}
	return "normal"
}

// Hooks are optional callbacks. They run on the goroutine that services the
// Process: the dispatcher goroutine or the caller of a WaitFor* method.
type Hooks struct {
	Started                 func()
	ReadyReadStandardOutput func()
	ReadyReadStandardError  func()
	BytesWritten            func(n int)
	Finished                func(exitCode int, status ExitStatus)
	ErrorOccurred           func(code errors.ErrorCode)
	StateChanged            func(state consts.ProcessState)
}

const (
	evStart       fsm.Event = "start"
	evForkFailed  fsm.Event = "fork_failed"
	evStarted     fsm.Event = "started"
	evStartFailed fsm.Event = "start_failed"
	evDied        fsm.Event = "died"
)

// Process runs one child program and owns its pipes. It is not safe for
// concurrent use; with a Dispatcher, touch it only from the loop.
type Process struct {
	id      string
	program string
	args    []string
	env     *Environment
	dir     string

	mode        consts.ChannelMode
	readChannel Channel
	childSetup  func(*syscall.SysProcAttr)

	stdin, stdout, stderr channel

	startedPipe     resource.Pipe
	deathPipe       resource.Pipe
	startupNotifier eventloop.Notifier
	deathNotifier   eventloop.Notifier

	state     *fsm.StateMachine
	pid       int
	reg       *registration
	startTime time.Time

	lastErr    *errors.ProcessError
	exitCode   int
	exitSignal syscall.Signal
	crashed    bool

	stdoutBuf  bytes.Buffer
	stderrBuf  bytes.Buffer
	writeBuf   bytes.Buffer
	closeWrite bool

	dispatcher eventloop.Dispatcher
	hooks      Hooks
	reaper     *reaper.Reaper
	log        logger.Logger
}

// registration is what the reaper holds for a live child.
type registration struct {
	pid     int
	deathFD int
}

func (r *registration) PID() int     { return r.pid }
func (r *registration) DeathFD() int { return r.deathFD }

// New prepares a process for program with the given arguments. Nothing is
// launched until Start.
func New(program string, args ...string) *Process {
	id := uuid.New().String()
	p := &Process{
		id:          id,
		program:     program,
		args:        append([]string(nil), args...),
		mode:        consts.ModeSeparate,
		readChannel: StandardOutput,
		stdin:       newChannel(),
		stdout:      newChannel(),
		stderr:      newChannel(),
		startedPipe: resource.NewPipe(),
		deathPipe:   resource.NewPipe(),
		state:       fsm.New(fsm.State(consts.StateNotRunning)),
		log:         logger.Log.With("component", "process", "id", id, "program", program),
	}

	notify := func(fsm.Event, ...interface{}) error {
		if p.hooks.StateChanged != nil {
			p.hooks.StateChanged(p.State())
		}
		return nil
	}
	notRunning := fsm.State(consts.StateNotRunning)
	starting := fsm.State(consts.StateStarting)
	running := fsm.State(consts.StateRunning)
	p.state.AddTransition(notRunning, starting, evStart, notify)
	p.state.AddTransition(starting, notRunning, evForkFailed, notify)
	p.state.AddTransition(starting, running, evStarted, notify)
	p.state.AddTransition(starting, notRunning, evStartFailed, notify)
	p.state.AddTransition(running, notRunning, evDied, notify)
	return p
}

func (p *Process) fire(ev fsm.Event) {
	if err := p.state.Fire(ev); err != nil {
		p.log.Error("Process: state transition rejected", "event", ev, "err", err)
	}
}

// configurable reports whether setup calls are allowed, which is only the
// case while no child is attached.
func (p *Process) configurable(op string) bool {
	if p.State() != consts.StateNotRunning {
		p.log.Warn("Process: cannot change configuration while running", "op", op)
		return false
	}
	return true
}

// ID identifies the Process in logs.
func (p *Process) ID() string { return p.id }

// Program is the program as given to New.
func (p *Process) Program() string { return p.program }

// Arguments returns a copy of the child arguments.
func (p *Process) Arguments() []string { return append([]string(nil), p.args...) }

// SetEnvironment replaces the child's environment. A nil or empty
// Environment means the child inherits ours.
func (p *Process) SetEnvironment(env *Environment) {
	if p.configurable("SetEnvironment") {
		p.env = env
	}
}

// Environment returns the custom environment, or nil if the child inherits ours.
func (p *Process) Environment() *Environment { return p.env }

// SetWorkingDirectory sets the child's working directory. A directory the
// child cannot enter is logged and ignored.
func (p *Process) SetWorkingDirectory(dir string) {
	if p.configurable("SetWorkingDirectory") {
		p.dir = dir
	}
}

// WorkingDirectory returns the configured directory; empty means ours.
func (p *Process) WorkingDirectory() string { return p.dir }

// SetProcessChannelMode chooses how stdout and stderr are captured.
func (p *Process) SetProcessChannelMode(mode consts.ChannelMode) {
	if p.configurable("SetProcessChannelMode") {
		p.mode = mode
	}
}

// ProcessChannelMode returns the configured channel mode.
func (p *Process) ProcessChannelMode() consts.ChannelMode { return p.mode }

// SetReadChannel selects the stream consumed by Read and WaitForReadyRead.
func (p *Process) SetReadChannel(ch Channel) { p.readChannel = ch }

// ReadChannel returns the stream Read consumes.
func (p *Process) ReadChannel() Channel { return p.readChannel }

// SetChildSetup installs a hook that adjusts the child's attributes right
// before the fork, e.g. to start a new session or process group.
func (p *Process) SetChildSetup(fn func(*syscall.SysProcAttr)) {
	if p.configurable("SetChildSetup") {
		p.childSetup = fn
	}
}

// SetDispatcher makes the Process event driven. Must be called before Start.
func (p *Process) SetDispatcher(d eventloop.Dispatcher) {
	if p.configurable("SetDispatcher") {
		p.dispatcher = d
	}
}

// SetHooks installs the callbacks. Hooks run on the goroutine that
// services the Process.
func (p *Process) SetHooks(h Hooks) { p.hooks = h }

// SetReaper overrides the shared reaper, mostly for tests.
func (p *Process) SetReaper(r *reaper.Reaper) {
	if p.configurable("SetReaper") {
		p.reaper = r
	}
}

func (p *Process) reaperOrDefault() *reaper.Reaper {
	if p.reaper == nil {
		p.reaper = reaper.Default()
	}
	return p.reaper
}

// State reports NotRunning, Starting or Running.
func (p *Process) State() consts.ProcessState {
	return consts.ProcessState(p.state.Current())
}

// PID is the child's pid, or 0 when no child is attached.
func (p *Process) PID() int { return p.pid }

// ExitCode is the child's exit code; -1 after a crash.
func (p *Process) ExitCode() int { return p.exitCode }

// Crashed reports whether the last child died from a signal.
func (p *Process) Crashed() bool { return p.crashed }

// ExitStatus reports how the last child ended.
func (p *Process) ExitStatus() ExitStatus {
	if p.crashed {
		return CrashExit
	}
	return NormalExit
}

// ExitSignal is the signal that killed the child, if it crashed.
func (p *Process) ExitSignal() syscall.Signal { return p.exitSignal }

// LastError is the most recent failure; it stays set until the next Start.
func (p *Process) LastError() error {
	if p.lastErr == nil {
		return nil
	}
	return p.lastErr
}

// ErrorCode is the code of LastError, or 0.
func (p *Process) ErrorCode() errors.ErrorCode {
	if p.lastErr == nil {
		return 0
	}
	return p.lastErr.Code
}

// ErrorString is the message of LastError, or "".
func (p *Process) ErrorString() string {
	if p.lastErr == nil {
		return ""
	}
	return p.lastErr.Msg
}

// setError records a sticky error. emit also runs the ErrorOccurred hook.
func (p *Process) setError(code errors.ErrorCode, op, msg string, cause error, emit bool) {
	p.lastErr = &errors.ProcessError{Code: code, Operation: op, Msg: msg, Err: cause}
	p.log.Debug("Process: error", "code", code, "op", op, "msg", msg, "err", cause)
	if emit && p.hooks.ErrorOccurred != nil {
		p.hooks.ErrorOccurred(code)
	}
}

// Write queues data for the child's stdin. The data is flushed by the
// dispatcher or by the next WaitFor* call.
func (p *Process) Write(data []byte) (int, error) {
	if p.State() == consts.StateNotRunning || p.stdin.pipe.W == resource.Invalid || p.closeWrite {
		return 0, errors.New(errors.ErrCodeWriteError, "Write", "write channel is not open", nil)
	}
	p.writeBuf.Write(data)
	if p.stdin.notifier != nil {
		p.stdin.notifier.SetEnabled(true)
	}
	return len(data), nil
}

// CloseWriteChannel closes the child's stdin once queued data is flushed.
func (p *Process) CloseWriteChannel() {
	p.closeWrite = true
	if p.writeBuf.Len() == 0 {
		p.closeChannel(&p.stdin)
	}
}

// BytesToWrite is the amount of queued stdin data not yet written.
func (p *Process) BytesToWrite() int { return p.writeBuf.Len() }

func (p *Process) readBuffer() (*bytes.Buffer, *channel) {
	if p.readChannel == StandardError {
		return &p.stderrBuf, &p.stderr
	}
	return &p.stdoutBuf, &p.stdout
}

// BytesAvailable is the number of buffered bytes on the read channel.
func (p *Process) BytesAvailable() int {
	buf, _ := p.readBuffer()
	return buf.Len()
}

// Read consumes buffered output of the read channel. It never blocks: while
// the child runs with nothing buffered it returns 0 and a nil error, so call
// WaitForReadyRead first. It returns io.EOF once the buffer is empty and the
// stream is closed.
func (p *Process) Read(b []byte) (int, error) {
	buf, ch := p.readBuffer()
	if buf.Len() == 0 {
		if p.State() == consts.StateNotRunning || ch.pipe.R == resource.Invalid {
			return 0, io.EOF
		}
		return 0, nil
	}
	return buf.Read(b)
}

// ReadAll drains the read channel's buffer.
func (p *Process) ReadAll() []byte {
	buf, _ := p.readBuffer()
	return drain(buf)
}

// ReadAllStandardOutput drains buffered stdout regardless of ReadChannel.
func (p *Process) ReadAllStandardOutput() []byte { return drain(&p.stdoutBuf) }

// ReadAllStandardError drains buffered stderr regardless of ReadChannel.
func (p *Process) ReadAllStandardError() []byte { return drain(&p.stderrBuf) }

func drain(buf *bytes.Buffer) []byte {
	out := append([]byte(nil), buf.Bytes()...)
	buf.Reset()
	return out
}

// Close kills a live child, waits for it and releases every fd.
func (p *Process) Close() error {
	if p.State() != consts.StateNotRunning {
		_ = p.Kill()
		if !p.WaitForFinished(consts.DefaultWaitTimeout) && p.State() != consts.StateNotRunning {
			p.log.Warn("Process: child did not die after kill", "pid", p.pid)
		}
	}
	p.cleanup()
	return nil
}

// Execute runs program with the caller's stdout and stderr, waits for it
// and returns its exit code.
func Execute(program string, args ...string) (int, error) {
	p := New(program, args...)
	p.SetProcessChannelMode(consts.ModeForwarded)
	defer p.Close()

	if err := p.Start(); err != nil {
		return -2, err
	}
	if !p.WaitForFinished(consts.WaitForever) {
		if err := p.LastError(); err != nil {
			return -2, err
		}
		return -2, errors.New(errors.ErrCodeUnknown, "Execute", "process did not finish", nil)
	}
	if p.Crashed() {
		return -1, p.LastError()
	}
	return p.ExitCode(), nil
}

// Terminate asks the child to exit with SIGTERM.
func (p *Process) Terminate() error { return p.signal(unix.SIGTERM) }

// Kill sends SIGKILL to the child.
func (p *Process) Kill() error { return p.signal(unix.SIGKILL) }

func (p *Process) signal(sig syscall.Signal) error {
	if p.pid <= 0 {
		return nil
	}
	p.log.Debug("Process: sending signal", "pid", p.pid, "signal", sig)
	return unix.Kill(p.pid, sig)
}

// Personal.AI order the ending
