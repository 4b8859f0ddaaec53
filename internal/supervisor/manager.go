package supervisor

import (
	"fmt"
	"io"
	"time"

	"github.com/turtacn/Procwarden/pkg/consts"
	"github.com/turtacn/Procwarden/pkg/errors"
	"github.com/turtacn/Procwarden/pkg/eventloop"
	"github.com/turtacn/Procwarden/pkg/logger"
	"github.com/turtacn/Procwarden/pkg/process"
)

// StartTimeout is how long Start waits for the exec outcome by default.
const StartTimeout = consts.DefaultWaitTimeout

// Result is the outcome of one supervised process.
type Result struct {
	ExitCode int
	Status   process.ExitStatus
	// Err is nil only for a normal exit with code 0.
	Err error
}

// ProcessManager drives one Process from an event loop. Every call into
// the Process is posted to the loop goroutine, so the manager itself may
// be used from any goroutine.
type ProcessManager struct {
	name string
	proc *process.Process
	loop *eventloop.Loop

	// written on the loop goroutine only
	started   chan error
	done      chan struct{}
	finished  bool
	result    Result
	killTimer *time.Timer

	log logger.Logger
}

// New attaches proc to loop. stdout and stderr receive the process output
// as it arrives; either may be nil to discard it.
func New(name string, proc *process.Process, loop *eventloop.Loop, stdout, stderr io.Writer) *ProcessManager {
	pm := &ProcessManager{
		name:    name,
		proc:    proc,
		loop:    loop,
		started: make(chan error, 1),
		done:    make(chan struct{}),
		log:     logger.Log.With("component", "supervisor", "stage", name),
	}

	proc.SetDispatcher(loop)
	proc.SetHooks(process.Hooks{
		Started: func() {
			pm.log.Info("Supervisor: process running", "pid", proc.PID())
			pm.reportStart(nil)
		},
		ReadyReadStandardOutput: func() { copyOut(stdout, proc.ReadAllStandardOutput()) },
		ReadyReadStandardError:  func() { copyOut(stderr, proc.ReadAllStandardError()) },
		ErrorOccurred: func(code errors.ErrorCode) {
			if code == errors.ErrCodeFailedToStart {
				pm.reportStart(proc.LastError())
				pm.finish(Result{ExitCode: -1, Err: proc.LastError()})
				return
			}
			pm.log.Warn("Supervisor: process error", "code", code, "err", proc.LastError())
		},
		Finished: func(exitCode int, status process.ExitStatus) {
			r := Result{ExitCode: exitCode, Status: status}
			switch {
			case status == process.CrashExit:
				r.Err = proc.LastError()
			case exitCode != 0:
				r.Err = errors.New(errors.ErrCodeExited, "Wait", fmt.Sprintf("%s exited with code %d", name, exitCode), nil)
			}
			pm.finish(r)
		},
	})
	return pm
}

func copyOut(w io.Writer, data []byte) {
	if w != nil && len(data) > 0 {
		_, _ = w.Write(data)
	}
}

// Name returns the stage name used in logs.
func (pm *ProcessManager) Name() string { return pm.name }

func (pm *ProcessManager) reportStart(err error) {
	select {
	case pm.started <- err:
	default:
	}
}

func (pm *ProcessManager) finish(r Result) {
	if pm.finished {
		return
	}
	pm.finished = true
	pm.result = r
	if pm.killTimer != nil {
		pm.killTimer.Stop()
	}
	pm.log.Info("Supervisor: process finished", "exit_code", r.ExitCode, "status", r.Status, "err", r.Err)
	close(pm.done)
}

// Start launches the process and waits until exec has succeeded or failed.
func (pm *ProcessManager) Start(timeout time.Duration) error {
	pm.loop.Post(func() {
		if err := pm.proc.Start(); err != nil {
			pm.reportStart(err)
			pm.finish(Result{ExitCode: -1, Err: err})
			return
		}
		// nothing feeds stdin; let readers see EOF
		pm.proc.CloseWriteChannel()
	})

	select {
	case err := <-pm.started:
		return err
	case <-time.After(timeout):
		return errors.New(errors.ErrCodeTimedout, "Start", "process did not start in time", nil)
	}
}

// Stop sends SIGTERM and escalates to SIGKILL after grace.
func (pm *ProcessManager) Stop(grace time.Duration) {
	pm.loop.Post(func() {
		if pm.finished {
			return
		}
		pm.log.Info("Supervisor: sending SIGTERM", "pid", pm.proc.PID())
		if err := pm.proc.Terminate(); err != nil {
			pm.log.Warn("Supervisor: SIGTERM failed", "err", err)
		}
		pm.killTimer = time.AfterFunc(grace, func() {
			pm.loop.Post(func() {
				if !pm.finished {
					pm.log.Warn("Supervisor: grace period expired, sending SIGKILL", "pid", pm.proc.PID())
					_ = pm.proc.Kill()
				}
			})
		})
	})
}

// Kill sends SIGKILL right away.
func (pm *ProcessManager) Kill() {
	pm.loop.Post(func() {
		if !pm.finished {
			pm.log.Warn("Supervisor: sending SIGKILL", "pid", pm.proc.PID())
			_ = pm.proc.Kill()
		}
	})
}

// Done is closed once the process has finished or failed to start.
func (pm *ProcessManager) Done() <-chan struct{} { return pm.done }

// Wait blocks until the process is done. A negative timeout waits forever.
func (pm *ProcessManager) Wait(timeout time.Duration) (Result, error) {
	if timeout < 0 {
		<-pm.done
		return pm.result, pm.result.Err
	}
	select {
	case <-pm.done:
		return pm.result, pm.result.Err
	case <-time.After(timeout):
		return Result{}, errors.New(errors.ErrCodeTimedout, "Wait", "process operation timed out", nil)
	}
}

// Result is valid once Done is closed.
func (pm *ProcessManager) Result() Result {
	select {
	case <-pm.done:
		return pm.result
	default:
		return Result{ExitCode: -1, Err: errors.New(errors.ErrCodeNotRunning, "Result", "process has not finished", nil)}
	}
}

// Personal.AI order the ending
