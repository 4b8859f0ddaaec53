package orchestrator

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/turtacn/Procwarden/internal/supervisor"
	"github.com/turtacn/Procwarden/pkg/consts"
	"github.com/turtacn/Procwarden/pkg/detach"
	"github.com/turtacn/Procwarden/pkg/errors"
	"github.com/turtacn/Procwarden/pkg/eventloop"
	"github.com/turtacn/Procwarden/pkg/fsm"
	"github.com/turtacn/Procwarden/pkg/logger"
	"github.com/turtacn/Procwarden/pkg/process"
	"github.com/turtacn/Procwarden/pkg/protocol"
	"github.com/turtacn/Procwarden/pkg/reaper"
)

const (
	evStart    fsm.Event = "start"
	evStarted  fsm.Event = "started"
	evDrain    fsm.Event = "drain"
	evComplete fsm.Event = "complete"
	evFail     fsm.Event = "fail"
)

// Engine runs one job: detached programs first, then the stages, all
// driven by a single event loop.
type Engine struct {
	cfg    *protocol.Config
	fsm    *fsm.StateMachine
	loop   *eventloop.Loop
	stages []*supervisor.ProcessManager
	pids   []int

	stdout io.Writer
	stderr io.Writer
	log    logger.Logger
}

// NewEngine prepares a job. Output of stages that are neither piped nor
// redirected is copied to stdout and stderr.
func NewEngine(cfg *protocol.Config, stdout, stderr io.Writer) *Engine {
	e := &Engine{
		cfg:    cfg,
		fsm:    fsm.New(fsm.State(consts.JobPending)),
		stdout: stdout,
		stderr: stderr,
		log:    logger.Log.With("component", "orchestrator", "job", cfg.Job.Name),
	}
	e.setupFSM()
	return e
}

func (e *Engine) setupFSM() {
	logTransition := func(ev fsm.Event, args ...interface{}) error {
		e.log.Info("Job: state changed", "event", ev, "state", e.fsm.Current())
		return nil
	}

	pending := fsm.State(consts.JobPending)
	starting := fsm.State(consts.JobStarting)
	running := fsm.State(consts.JobRunning)
	draining := fsm.State(consts.JobDraining)
	stopped := fsm.State(consts.JobStopped)
	failed := fsm.State(consts.JobFailed)

	e.fsm.AddTransition(pending, starting, evStart, logTransition)
	e.fsm.AddTransition(pending, failed, evFail, logTransition)
	e.fsm.AddTransition(starting, running, evStarted, logTransition)
	e.fsm.AddTransition(starting, failed, evFail, logTransition)
	e.fsm.AddTransition(running, draining, evDrain, logTransition)
	e.fsm.AddTransition(running, stopped, evComplete, logTransition)
	e.fsm.AddTransition(running, failed, evFail, logTransition)
	e.fsm.AddTransition(draining, stopped, evComplete, logTransition)
	e.fsm.AddTransition(draining, failed, evFail, logTransition)
}

// State is the job's current lifecycle state.
func (e *Engine) State() consts.JobState {
	return consts.JobState(e.fsm.Current())
}

// DetachedPIDs lists the programs launched by the detached section.
func (e *Engine) DetachedPIDs() []int { return e.pids }

func (e *Engine) fire(ev fsm.Event) {
	if err := e.fsm.Fire(ev); err != nil {
		e.log.Error("Job: transition rejected", "event", ev, "err", err)
	}
}

// Run executes the job until every stage is done, the job timeout hits,
// ctx is cancelled or SIGINT/SIGTERM arrives. The shared reaper is shut
// down before Run returns.
func (e *Engine) Run(ctx context.Context) error {
	defer func() {
		if err := reaper.Shutdown(); err != nil {
			e.log.Warn("Job: reaper shutdown failed", "err", err)
		}
	}()

	if err := e.cfg.Validate(); err != nil {
		e.fire(evFail)
		return err
	}
	e.fire(evStart)

	if err := e.launchDetached(); err != nil {
		e.fire(evFail)
		return err
	}
	if len(e.cfg.Job.Stages) == 0 {
		e.fire(evStarted)
		e.fire(evComplete)
		return nil
	}

	loop, err := eventloop.New()
	if err != nil {
		e.fire(evFail)
		return errors.New(errors.ErrCodeFailedToStart, "Run", "cannot create event loop", err)
	}
	e.loop = loop
	loopDone := make(chan error, 1)
	go func() { loopDone <- loop.Run() }()
	defer func() {
		loop.Stop()
		<-loopDone
		loop.Close()
	}()

	if err := e.startStages(); err != nil {
		e.fire(evFail)
		e.stopAll()
		e.waitAll(e.cfg.GracePeriod() + consts.DefaultWaitTimeout)
		return err
	}
	e.fire(evStarted)

	if t := e.cfg.JobTimeout(); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	allDone := make(chan struct{})
	go func() {
		for _, s := range e.stages {
			<-s.Done()
		}
		close(allDone)
	}()

	var drainErr error
	select {
	case <-allDone:
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			drainErr = errors.New(errors.ErrCodeTimedout, "Run", "job timed out", ctx.Err())
		}
		e.drain("context done")
	case sig := <-sigCh:
		e.drain("signal " + sig.String())
	}

	if e.State() == consts.JobDraining {
		if !e.waitAll(e.cfg.GracePeriod() + consts.DefaultWaitTimeout) {
			e.fire(evFail)
			return errors.New(errors.ErrCodeTimedout, "Run", "stages did not stop", nil)
		}
		if drainErr != nil {
			e.fire(evFail)
			return drainErr
		}
		e.fire(evComplete)
		return nil
	}

	for _, s := range e.stages {
		if r := s.Result(); r.Err != nil {
			e.log.Warn("Job: stage failed", "stage", s.Name(), "err", r.Err)
			e.fire(evFail)
			return r.Err
		}
	}
	e.fire(evComplete)
	return nil
}

func (e *Engine) drain(reason string) {
	e.log.Info("Job: draining", "reason", reason)
	e.fire(evDrain)
	e.stopAll()
}

func (e *Engine) stopAll() {
	for _, s := range e.stages {
		s.Stop(e.cfg.GracePeriod())
	}
}

func (e *Engine) waitAll(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for _, s := range e.stages {
		select {
		case <-s.Done():
		case <-deadline:
			return false
		}
	}
	return true
}

// startStages builds every stage, wires pipes between neighbours and
// starts them in order.
func (e *Engine) startStages() error {
	procs := make([]*process.Process, len(e.cfg.Job.Stages))
	for i, sc := range e.cfg.Job.Stages {
		procs[i] = buildProcess(sc)
	}
	for i, sc := range e.cfg.Job.Stages {
		if sc.PipeToNext {
			procs[i].SetStandardOutputProcess(procs[i+1])
		}
	}

	for i, sc := range e.cfg.Job.Stages {
		pm := supervisor.New(sc.DisplayName(i), procs[i], e.loop, e.stdout, e.stderr)
		e.stages = append(e.stages, pm)
		if err := pm.Start(supervisor.StartTimeout); err != nil {
			e.log.Error("Job: stage failed to start", "stage", pm.Name(), "err", err)
			return err
		}
	}
	return nil
}

func buildProcess(sc protocol.StageConfig) *process.Process {
	p := process.New(sc.Command[0], sc.Command[1:]...)
	p.SetProcessChannelMode(sc.ChannelMode())
	if len(sc.Env) > 0 {
		p.SetEnvironment(process.ParseEnvironment(sc.Env))
	}
	if sc.Dir != "" {
		p.SetWorkingDirectory(sc.Dir)
	}
	if sc.Stdin != "" {
		p.SetStandardInputFile(sc.Stdin)
	}
	if sc.Stdout.File != "" {
		p.SetStandardOutputFile(sc.Stdout.File, sc.Stdout.Append)
	}
	if sc.Stderr.File != "" {
		p.SetStandardErrorFile(sc.Stderr.File, sc.Stderr.Append)
	}
	if sc.NewSession {
		p.SetChildSetup(func(attr *syscall.SysProcAttr) { attr.Setsid = true })
	}
	return p
}

func (e *Engine) launchDetached() error {
	for _, d := range e.cfg.Detached {
		opts := []detach.Option{detach.WithNullStdio()}
		if d.Dir != "" {
			opts = append(opts, detach.WithWorkingDirectory(d.Dir))
		}
		if len(d.Env) > 0 {
			opts = append(opts, detach.WithEnvironment(process.ParseEnvironment(d.Env)))
		}
		pid, err := detach.Start(d.Command[0], d.Command[1:], opts...)
		if err != nil {
			return err
		}
		e.log.Info("Job: detached program started", "pid", pid, "cmd", d.Command)
		e.pids = append(e.pids, pid)
	}
	return nil
}

// Personal.AI order the ending
