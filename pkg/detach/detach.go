// Package detach launches programs that outlive the caller.
//
// The launch is a double fork. The intermediate child is this binary
// re-executed under consts.DetachTrampoline in a new session; it starts the
// program, reports the outcome over two pipes and exits at once, so the
// program is adopted by init and never becomes our child.
package detach

import (
	"encoding/binary"
	"os"
	"syscall"

	"github.com/moby/sys/reexec"
	"golang.org/x/sys/unix"

	"github.com/turtacn/Procwarden/internal/monitor"
	"github.com/turtacn/Procwarden/pkg/consts"
	"github.com/turtacn/Procwarden/pkg/errors"
	"github.com/turtacn/Procwarden/pkg/logger"
	"github.com/turtacn/Procwarden/pkg/process"
)

// fds of the handshake pipes inside the intermediate child
const (
	startedFD = 3
	pidFD     = 4
)

func init() {
	reexec.Register(consts.DetachTrampoline, trampoline)
}

// Init runs the trampoline when this binary was re-executed as the
// intermediate child, and then never returns. Call it first thing in main
// and in TestMain of packages that detach; it returns false otherwise.
func Init() bool {
	return reexec.Init()
}

type options struct {
	dir       string
	env       *process.Environment
	nullStdio bool
}

// Option configures Start.
type Option func(*options)

// WithWorkingDirectory runs the program in dir. A directory that cannot be
// entered is logged and the program runs in the inherited one.
func WithWorkingDirectory(dir string) Option {
	return func(o *options) { o.dir = dir }
}

// WithEnvironment replaces the program's environment.
func WithEnvironment(env *process.Environment) Option {
	return func(o *options) { o.env = env }
}

// WithNullStdio connects the program's stdio to /dev/null instead of ours.
func WithNullStdio() Option {
	return func(o *options) { o.nullStdio = true }
}

// Start launches program detached and returns its pid.
func Start(program string, args []string, opts ...Option) (int, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	log := logger.Log.With("component", "detach", "program", program)

	startedR, startedW, err := os.Pipe()
	if err != nil {
		return -1, fail(log, "could not create pipe", err)
	}
	defer startedR.Close()
	pidR, pidW, err := os.Pipe()
	if err != nil {
		startedW.Close()
		return -1, fail(log, "could not create pipe", err)
	}
	defer pidR.Close()

	// resolve here; a custom environment may lack PATH
	argv0 := process.ResolveProgram(program)
	cmd := reexec.Command(append([]string{consts.DetachTrampoline, o.dir, argv0}, args...)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.ExtraFiles = []*os.File{startedW, pidW}
	if !o.nullStdio {
		cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	}
	if !o.env.IsEmpty() {
		cmd.Env = o.env.ToList()
	}

	err = cmd.Start()
	startedW.Close()
	pidW.Close()
	if err != nil {
		return -1, fail(log, "could not fork the intermediate process", err)
	}

	var reply [1]byte
	n, _ := startedR.Read(reply[:])
	if werr := cmd.Wait(); werr != nil {
		log.Warn("Detach: intermediate process exited abnormally", "err", werr)
	}

	if n > 0 && reply[0] != 0 {
		msg := "could not start detached process"
		if reply[0] == consts.DetachInternalError {
			msg = "resource error (fork failure) in the intermediate process"
		}
		return -1, fail(log, msg, nil)
	}

	var pid int32
	if err := binary.Read(pidR, binary.NativeEndian, &pid); err != nil {
		return -1, fail(log, "could not read the detached pid", err)
	}
	if pid <= 0 {
		return -1, fail(log, "intermediate process reported no pid", nil)
	}

	monitor.DetachedLaunches.WithLabelValues("ok").Inc()
	log.Info("Detach: program started", "pid", pid)
	return int(pid), nil
}

func fail(log logger.Logger, msg string, cause error) error {
	monitor.DetachedLaunches.WithLabelValues("failed").Inc()
	log.Warn("Detach: launch failed", "msg", msg, "err", cause)
	return errors.New(errors.ErrCodeDetachFailed, "Start", msg, cause)
}

// trampoline is the intermediate child. os.Args is
// [DetachTrampoline, dir, program, args...].
func trampoline() {
	// the handshake pipes must not leak into the program
	unix.CloseOnExec(startedFD)
	unix.CloseOnExec(pidFD)
	started := os.NewFile(startedFD, "started")
	pidOut := os.NewFile(pidFD, "pid")

	pid := -1
	status := byte(0)
	if len(os.Args) < 3 {
		status = consts.DetachInternalError
	} else {
		pid, status = launch(os.Args[1], os.Args[2], os.Args[3:])
	}

	if status != 0 {
		_, _ = started.Write([]byte{status})
	}
	started.Close()
	_ = binary.Write(pidOut, binary.NativeEndian, int32(pid))
	pidOut.Close()

	_ = os.Chdir("/")
	os.Exit(0)
}

func launch(dir, program string, args []string) (int, byte) {
	argv0 := process.ResolveProgram(program)
	attr := &syscall.ProcAttr{
		Env:   os.Environ(),
		Files: []uintptr{0, 1, 2},
	}
	if dir != "" {
		if process.UsableDirectory(dir) {
			attr.Dir = dir
		} else {
			logger.Log.Warn("Detach: cannot enter working directory, running in the inherited one", "dir", dir)
		}
	}

	pid, err := syscall.ForkExec(argv0, append([]string{argv0}, args...), attr)
	switch err {
	case nil:
		return pid, 0
	case unix.EAGAIN, unix.ENOMEM:
		return -1, consts.DetachInternalError
	default:
		return -1, consts.DetachExecFailed
	}
}

// Personal.AI order the ending
