package process

import (
	"bytes"
	"time"

	"golang.org/x/sys/unix"

	"github.com/turtacn/Procwarden/internal/monitor"
	"github.com/turtacn/Procwarden/internal/resource"
	"github.com/turtacn/Procwarden/pkg/consts"
	"github.com/turtacn/Procwarden/pkg/errors"
)

// processStarted reads the started pipe. EOF means exec succeeded; any
// bytes are the exec error text.
func (p *Process) processStarted() (string, bool) {
	buf := make([]byte, consts.ErrorBufferMax)
	n, err := resource.Read(p.startedPipe.R, buf)

	if p.startupNotifier != nil {
		p.startupNotifier.Close()
		p.startupNotifier = nil
	}
	p.startedPipe.CloseRead()

	if err != nil {
		p.log.Warn("Process: cannot read startup notification", "err", err)
		return "", true
	}
	if n > 0 {
		return string(buf[:n]), false
	}
	return "", true
}

// startupNotification moves Starting to Running, or to NotRunning with
// FailedToStart when exec failed.
func (p *Process) startupNotification() bool {
	if p.State() != consts.StateStarting {
		return p.State() == consts.StateRunning
	}

	execErr, ok := p.processStarted()
	if ok {
		p.fire(evStarted)
		if p.dispatcher != nil && p.deathPipe.R != resource.Invalid {
			p.deathNotifier = p.dispatcher.Watch(p.deathPipe.R, false, func() { p.processDied() })
		}
		monitor.ProcessStarts.WithLabelValues("ok").Inc()
		p.log.Info("Process: started", "pid", p.pid)
		if p.hooks.Started != nil {
			p.hooks.Started()
		}
		return true
	}

	p.log.Warn("Process: exec failed", "err", execErr)
	p.fire(evStartFailed)
	monitor.ProcessStarts.WithLabelValues("failed").Inc()
	p.cleanup()
	p.setError(errors.ErrCodeFailedToStart, "Start", execErr, nil, true)
	return false
}

// bytesAvailableFromStdout asks the kernel how much the stdout pipe holds.
func (p *Process) bytesAvailableFromStdout() int {
	return bytesAvailable(p.stdout.pipe.R)
}

func (p *Process) bytesAvailableFromStderr() int {
	return bytesAvailable(p.stderr.pipe.R)
}

func bytesAvailable(fd int) int {
	if fd == resource.Invalid {
		return 0
	}
	n, err := unix.IoctlGetInt(fd, ioctlBytesReadable)
	if err != nil {
		return 0
	}
	return n
}

func (p *Process) readFromStdout(buf []byte) (int, error) {
	return resource.Read(p.stdout.pipe.R, buf)
}

func (p *Process) readFromStderr(buf []byte) (int, error) {
	return resource.Read(p.stderr.pipe.R, buf)
}

// writeToStdin writes without blocking; a full pipe yields 0.
func (p *Process) writeToStdin(data []byte) (int, error) {
	return resource.WriteNonblocking(p.stdin.pipe.W, data)
}

func (p *Process) canReadStandardOutput() bool {
	return p.canRead(&p.stdout, &p.stdoutBuf, StandardOutput)
}

func (p *Process) canReadStandardError() bool {
	return p.canRead(&p.stderr, &p.stderrBuf, StandardError)
}

// canRead moves whatever the pipe holds into the buffer. It closes the
// channel on EOF and reports whether data arrived.
func (p *Process) canRead(ch *channel, into *bytes.Buffer, which Channel) bool {
	if ch.pipe.R == resource.Invalid {
		return false
	}

	var available int
	if which == StandardOutput {
		available = p.bytesAvailableFromStdout()
	} else {
		available = p.bytesAvailableFromStderr()
	}
	if available == 0 {
		p.closeChannel(ch)
		return false
	}

	buf := make([]byte, available)
	var n int
	var err error
	if which == StandardOutput {
		n, err = p.readFromStdout(buf)
	} else {
		n, err = p.readFromStderr(buf)
	}
	if err == unix.EAGAIN {
		return false
	}
	if err != nil {
		p.setError(errors.ErrCodeReadError, "Read", "error reading from process", err, true)
		return false
	}
	if n == 0 {
		p.closeChannel(ch)
		return false
	}
	into.Write(buf[:n])

	if which == StandardOutput && p.hooks.ReadyReadStandardOutput != nil {
		p.hooks.ReadyReadStandardOutput()
	}
	if which == StandardError && p.hooks.ReadyReadStandardError != nil {
		p.hooks.ReadyReadStandardError()
	}
	return true
}

// canWrite flushes as much of the write buffer as the pipe accepts and
// reports whether anything was written.
func (p *Process) canWrite() bool {
	if p.stdin.pipe.W == resource.Invalid {
		return false
	}
	if p.writeBuf.Len() == 0 {
		if p.stdin.notifier != nil {
			p.stdin.notifier.SetEnabled(false)
		}
		return false
	}

	n, err := p.writeToStdin(p.writeBuf.Bytes())
	if err != nil {
		p.closeChannel(&p.stdin)
		p.setError(errors.ErrCodeWriteError, "Write", "error writing to process", err, true)
		return false
	}
	if n > 0 {
		p.writeBuf.Next(n)
		if p.hooks.BytesWritten != nil {
			p.hooks.BytesWritten(n)
		}
	}

	if p.writeBuf.Len() == 0 {
		if p.stdin.notifier != nil {
			p.stdin.notifier.SetEnabled(false)
		}
		if p.closeWrite {
			p.closeChannel(&p.stdin)
		}
	}
	return n > 0
}

// waitForDeadChild consumes one death byte and checks whether our child is
// the one that exited.
func (p *Process) waitForDeadChild() bool {
	var b [1]byte
	_, _ = resource.Read(p.deathPipe.R, b[:])

	if p.pid <= 0 {
		return false
	}

	var ws unix.WaitStatus
	var wpid int
	var err error
	for {
		wpid, err = unix.Wait4(p.pid, &ws, unix.WNOHANG, nil)
		if err != unix.EINTR {
			break
		}
	}

	switch {
	case err == unix.ECHILD:
		// someone else reaped it; the status is lost
		p.log.Warn("Process: child was reaped elsewhere", "pid", p.pid)
		p.crashed = true
		p.exitCode = -1
	case err != nil || wpid <= 0:
		return false
	default:
		p.crashed = !ws.Exited()
		p.exitCode = ws.ExitStatus()
		if ws.Signaled() {
			p.exitSignal = ws.Signal()
		}
	}

	if p.reg != nil {
		p.reaperOrDefault().Remove(p.reg)
		p.reg = nil
	}

	status := "normal"
	if p.crashed {
		status = "crashed"
	}
	monitor.ChildrenReaped.WithLabelValues(status).Inc()
	monitor.ProcessLifetime.Observe(time.Since(p.startTime).Seconds())
	p.log.Debug("Process: reaped child", "pid", p.pid, "exit_code", p.exitCode, "status", status)
	return true
}

// processDied handles a death notification. Output still in the pipes is
// collected before the Process returns to NotRunning.
func (p *Process) processDied() bool {
	if p.State() != consts.StateRunning {
		return false
	}
	if !p.waitForDeadChild() {
		return false
	}

	for p.canReadStandardOutput() {
	}
	for p.canReadStandardError() {
	}

	p.fire(evDied)
	if p.crashed {
		p.setError(errors.ErrCodeCrashed, "Wait", "process crashed", nil, true)
	}
	exitCode, status := p.exitCode, p.ExitStatus()
	p.log.Info("Process: finished", "exit_code", exitCode, "status", status)
	p.cleanup()

	if p.hooks.Finished != nil {
		p.hooks.Finished(exitCode, status)
	}
	return true
}

// cleanup releases every fd and notifier and unregisters from the reaper.
// It is idempotent.
func (p *Process) cleanup() {
	if p.reg != nil {
		p.reaperOrDefault().Remove(p.reg)
		p.reg = nil
	}
	if p.startupNotifier != nil {
		p.startupNotifier.Close()
		p.startupNotifier = nil
	}
	if p.deathNotifier != nil {
		p.deathNotifier.Close()
		p.deathNotifier = nil
	}
	p.closeChannel(&p.stdin)
	p.closeChannel(&p.stdout)
	p.closeChannel(&p.stderr)
	p.startedPipe.Destroy()
	p.deathPipe.Destroy()
	p.pid = 0
	p.closeWrite = false
}

// Personal.AI order the ending
