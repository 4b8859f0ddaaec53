package process

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/turtacn/Procwarden/internal/monitor"
	"github.com/turtacn/Procwarden/internal/resource"
	"github.com/turtacn/Procwarden/pkg/consts"
	"github.com/turtacn/Procwarden/pkg/errors"
)

const readyMask = unix.POLLIN | unix.POLLOUT | unix.POLLHUP | unix.POLLERR | unix.POLLNVAL

type pollSet struct {
	fds []unix.PollFd
}

// add watches fd and returns its slot, or -1 for an invalid fd.
func (s *pollSet) add(fd int, events int16) int {
	if fd == resource.Invalid {
		return -1
	}
	s.fds = append(s.fds, unix.PollFd{Fd: int32(fd), Events: events})
	return len(s.fds) - 1
}

func (s *pollSet) ready(slot int) bool {
	return slot >= 0 && s.fds[slot].Revents&readyMask != 0
}

// deadline turns a relative timeout into an absolute one so retries after
// EINTR and partial progress never extend the wait.
type deadline struct {
	at      time.Time
	forever bool
}

func deadlineAfter(timeout time.Duration) deadline {
	if timeout < 0 {
		return deadline{forever: true}
	}
	return deadline{at: time.Now().Add(timeout)}
}

// msecs is the poll timeout left, rounded up; -1 waits forever.
func (d deadline) msecs() int {
	if d.forever {
		return -1
	}
	left := time.Until(d.at)
	if left <= 0 {
		return 0
	}
	return int((left + time.Millisecond - 1) / time.Millisecond)
}

func (s *pollSet) wait(d deadline) (int, error) {
	for {
		n, err := unix.Poll(s.fds, d.msecs())
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

// waitSet is one round of everything a wait loop services.
type waitSet struct {
	pollSet
	started, death, stdout, stderr, stdin int
}

func (p *Process) buildWaitSet() *waitSet {
	ws := &waitSet{started: -1, death: -1, stdin: -1}
	switch p.State() {
	case consts.StateStarting:
		ws.started = ws.add(p.startedPipe.R, unix.POLLIN)
	case consts.StateRunning:
		ws.death = ws.add(p.deathPipe.R, unix.POLLIN)
	}
	ws.stdout = ws.add(p.stdout.pipe.R, unix.POLLIN)
	ws.stderr = ws.add(p.stderr.pipe.R, unix.POLLIN)
	if p.writeBuf.Len() > 0 {
		ws.stdin = ws.add(p.stdin.pipe.W, unix.POLLOUT)
	}
	return ws
}

// poll runs one round and records Timedout or a poll failure.
func (p *Process) poll(op string, s *pollSet, d deadline) bool {
	if len(s.fds) == 0 {
		return false
	}
	n, err := s.wait(d)
	if err != nil {
		p.setError(errors.ErrCodeUnknown, op, "poll failed", err, false)
		return false
	}
	if n == 0 {
		p.setError(errors.ErrCodeTimedout, op, "process operation timed out", nil, false)
		monitor.WaitTimeouts.WithLabelValues(op).Inc()
		return false
	}
	return true
}

// WaitForStarted blocks until exec has succeeded or failed. A negative
// timeout waits forever.
func (p *Process) WaitForStarted(timeout time.Duration) bool {
	switch p.State() {
	case consts.StateRunning:
		return true
	case consts.StateNotRunning:
		return false
	}

	s := &pollSet{}
	s.add(p.startedPipe.R, unix.POLLIN)
	if !p.poll("WaitForStarted", s, deadlineAfter(timeout)) {
		return false
	}
	return p.startupNotification()
}

// WaitForReadyRead blocks until new data is buffered on the read channel.
func (p *Process) WaitForReadyRead(timeout time.Duration) bool {
	if p.State() == consts.StateNotRunning {
		return false
	}
	if p.readChannel == StandardError && p.mode != consts.ModeSeparate {
		return false
	}

	d := deadlineAfter(timeout)
	for {
		if _, ch := p.readBuffer(); ch.pipe.R == resource.Invalid {
			return false
		}
		ws := p.buildWaitSet()
		if !p.poll("WaitForReadyRead", &ws.pollSet, d) {
			return false
		}
		if ws.ready(ws.started) && !p.startupNotification() {
			return false
		}

		readyRead := false
		if ws.ready(ws.stdout) && p.canReadStandardOutput() && p.readChannel == StandardOutput {
			readyRead = true
		}
		if ws.ready(ws.stderr) && p.canReadStandardError() && p.readChannel == StandardError {
			readyRead = true
		}
		if readyRead {
			return true
		}

		if ws.ready(ws.stdin) {
			p.canWrite()
		}
		if ws.ready(ws.death) && p.processDied() {
			return false
		}
	}
}

// WaitForBytesWritten blocks until some queued stdin data reached the child.
func (p *Process) WaitForBytesWritten(timeout time.Duration) bool {
	if p.State() == consts.StateNotRunning {
		return false
	}

	d := deadlineAfter(timeout)
	for p.writeBuf.Len() > 0 {
		if p.stdin.pipe.W == resource.Invalid {
			return false
		}
		ws := p.buildWaitSet()
		if !p.poll("WaitForBytesWritten", &ws.pollSet, d) {
			return false
		}
		if ws.ready(ws.started) && !p.startupNotification() {
			return false
		}
		if ws.ready(ws.stdin) {
			if p.canWrite() {
				return true
			}
			if p.stdin.pipe.W == resource.Invalid {
				return false
			}
		}
		if ws.ready(ws.stdout) {
			p.canReadStandardOutput()
		}
		if ws.ready(ws.stderr) {
			p.canReadStandardError()
		}
		if ws.ready(ws.death) && p.processDied() {
			return false
		}
	}
	return false
}

// WaitForFinished blocks until the child has exited and been reaped,
// servicing its pipes meanwhile.
func (p *Process) WaitForFinished(timeout time.Duration) bool {
	if p.State() == consts.StateNotRunning {
		return false
	}

	d := deadlineAfter(timeout)
	for {
		ws := p.buildWaitSet()
		if !p.poll("WaitForFinished", &ws.pollSet, d) {
			return false
		}
		if ws.ready(ws.started) && !p.startupNotification() {
			return false
		}
		if ws.ready(ws.stdin) {
			p.canWrite()
		}
		if ws.ready(ws.stdout) {
			p.canReadStandardOutput()
		}
		if ws.ready(ws.stderr) {
			p.canReadStandardError()
		}
		if ws.ready(ws.death) && p.processDied() {
			return true
		}
	}
}

// Personal.AI order the ending
