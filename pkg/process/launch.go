package process

import (
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/turtacn/Procwarden/internal/monitor"
	"github.com/turtacn/Procwarden/internal/resource"
	"github.com/turtacn/Procwarden/pkg/consts"
	"github.com/turtacn/Procwarden/pkg/errors"
)

var forkExec = syscall.ForkExec

// Start launches the child. A nil error means the fork happened; whether
// exec succeeded is known after WaitForStarted or the Started hook.
// Failures before the fork leave the Process NotRunning with FailedToStart.
func (p *Process) Start() error {
	if p.State() != consts.StateNotRunning {
		return errors.New(errors.ErrCodeFailedToStart, "Start", "process is already running", nil)
	}

	p.lastErr = nil
	p.exitCode, p.exitSignal, p.crashed = 0, 0, false
	p.stdoutBuf.Reset()
	p.stderrBuf.Reset()
	p.writeBuf.Reset()
	p.closeWrite = false

	r := p.reaperOrDefault()
	if err := r.Start(); err != nil {
		return p.failStart(errors.New(errors.ErrCodeFailedToStart, "Start", "could not start the child reaper", err))
	}

	for _, ch := range p.activeChannels() {
		if err := p.createChannel(ch); err != nil {
			return p.failStart(err)
		}
	}
	if err := p.startedPipe.Create(); err != nil {
		return p.failStart(errors.New(errors.ErrCodeFailedToStart, "Start", "could not create pipe", err))
	}
	if err := p.deathPipe.Create(); err != nil {
		return p.failStart(errors.New(errors.ErrCodeFailedToStart, "Start", "could not create pipe", err))
	}

	argv0 := ResolveProgram(p.program)
	argv := append([]string{argv0}, p.args...)
	attr := &syscall.ProcAttr{
		Dir:   p.childDir(),
		Env:   p.childEnv(),
		Files: p.childFiles(),
		Sys:   &syscall.SysProcAttr{},
	}
	if p.childSetup != nil {
		p.childSetup(attr.Sys)
	}

	p.fire(evStart)
	p.startTime = time.Now()

	// Register under the reaper lock so a SIGCHLD from a fast exit is
	// fanned out to our death pipe.
	r.Lock()
	restore := defaultSIGPIPE()
	pid, err := forkExec(argv0, argv, attr)
	restore()
	if err == nil {
		p.pid = pid
		p.reg = &registration{pid: pid, deathFD: p.deathPipe.W}
		r.Add(p.reg)
	}
	r.Unlock()

	if err != nil && isForkFailure(err) {
		p.fire(evForkFailed)
		return p.failStart(errors.New(errors.ErrCodeFailedToStart, "Start", "resource error (fork failure): "+err.Error(), err))
	}
	if err != nil {
		// exec failed: hand the errno text to the startup reader
		msg := err.Error()
		if len(msg) > consts.ErrorBufferMax {
			msg = msg[:consts.ErrorBufferMax]
		}
		if _, werr := resource.WriteNonblocking(p.startedPipe.W, []byte(msg)); werr != nil {
			p.log.Warn("Launcher: cannot report exec failure", "err", werr)
		}
	}

	p.startedPipe.CloseWrite()
	p.stdin.pipe.CloseRead()
	p.stdout.pipe.CloseWrite()
	p.stderr.pipe.CloseWrite()
	for _, fd := range []int{p.stdin.pipe.W, p.stdout.pipe.R, p.stderr.pipe.R, p.deathPipe.R, p.deathPipe.W} {
		if serr := resource.SetNonblock(fd); serr != nil {
			p.log.Warn("Launcher: cannot set non-blocking mode", "fd", fd, "err", serr)
		}
	}

	if p.dispatcher != nil {
		p.startupNotifier = p.dispatcher.Watch(p.startedPipe.R, false, func() { p.startupNotification() })
	}
	p.log.Debug("Launcher: forked child", "pid", pid, "argv0", argv0, "args", p.args)
	return nil
}

// defaultSIGPIPE makes the next fork start with SIGPIPE at its default
// disposition when the host ignores it, and returns the undo. A signal the
// runtime handles is reset to SIG_DFL in the forked child; an ignored one
// is inherited as is.
func defaultSIGPIPE() func() {
	if !signal.Ignored(syscall.SIGPIPE) {
		return func() {}
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGPIPE)
	return func() {
		signal.Stop(ch)
		signal.Ignore(syscall.SIGPIPE)
	}
}

// failStart records a launch failure and releases everything Start opened.
func (p *Process) failStart(err error) error {
	pe, ok := err.(*errors.ProcessError)
	if !ok {
		pe = &errors.ProcessError{Code: errors.ErrCodeFailedToStart, Operation: "Start", Msg: "failed to start", Err: err}
	}
	p.log.Warn("Launcher: start failed", "msg", pe.Msg, "err", pe.Err)
	p.cleanup()
	monitor.ProcessStarts.WithLabelValues("failed").Inc()
	p.setError(pe.Code, pe.Operation, pe.Msg, pe.Err, true)
	return pe
}

// activeChannels lists the streams that need parent-side setup, in
// stdin, stdout, stderr order.
func (p *Process) activeChannels() []*channel {
	chans := []*channel{&p.stdin}
	if p.mode == consts.ModeForwarded {
		return chans
	}
	chans = append(chans, &p.stdout)
	if p.mode != consts.ModeMerged {
		chans = append(chans, &p.stderr)
	}
	return chans
}

func (p *Process) childFiles() []uintptr {
	in := p.stdin.pipe.R
	out, errOut := 1, 2
	if p.mode != consts.ModeForwarded {
		out = p.stdout.pipe.W
		errOut = p.stderr.pipe.W
		if p.mode == consts.ModeMerged {
			errOut = out
		}
	}
	return []uintptr{uintptr(in), uintptr(out), uintptr(errOut)}
}

// childEnv returns the custom environment, or ours when none is set.
// syscall.ForkExec does not inherit the environment on its own.
func (p *Process) childEnv() []string {
	if p.env.IsEmpty() {
		return os.Environ()
	}
	return p.env.ToList()
}

// childDir returns the directory to run in, or "" to inherit ours when the
// configured one cannot be entered.
func (p *Process) childDir() string {
	if p.dir == "" {
		return ""
	}
	if UsableDirectory(p.dir) {
		return p.dir
	}
	p.log.Warn("Launcher: cannot enter working directory, running in the inherited one", "dir", p.dir)
	return ""
}

// UsableDirectory reports whether dir exists, is a directory and can be
// entered by this user.
func UsableDirectory(dir string) bool {
	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		return false
	}
	return unix.Access(dir, unix.X_OK) == nil
}

// ResolveProgram looks program up in PATH when it contains no slash. When
// the lookup fails the name is returned unchanged and exec reports the error.
func ResolveProgram(program string) string {
	if strings.Contains(program, "/") {
		return program
	}
	if path, err := exec.LookPath(program); err == nil {
		return path
	}
	return program
}

// isForkFailure separates resource exhaustion, reported synchronously,
// from exec errors, reported through the started pipe.
func isForkFailure(err error) bool {
	switch err {
	case unix.EAGAIN, unix.ENOMEM, unix.EMFILE, unix.ENFILE:
		return true
	}
	return false
}

// Personal.AI order the ending
