// Package reaper owns the single SIGCHLD subscription shared by every child
// process launched through this module.
//
// The signal relay writes one zero byte to a self-pipe; a worker goroutine
// blocked in poll on the read end wakes, consumes exactly one byte and fans a
// "you may be dead" byte out to the death pipe of every registered child.
// Each child then calls wait4 on its own pid, so the reaper never reaps on
// anyone's behalf and never races another owner for an exit status.
package reaper

import (
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/turtacn/Procwarden/internal/monitor"
	"github.com/turtacn/Procwarden/internal/resource"
	"github.com/turtacn/Procwarden/pkg/consts"
	"github.com/turtacn/Procwarden/pkg/logger"
)

// Child is a registry entry: a live child process and the write end of its
// private death pipe.
type Child interface {
	PID() int
	DeathFD() int
}

// Reaper multiplexes SIGCHLD onto per-child death pipes.
type Reaper struct {
	// mu guards children. Launchers hold it across fork so a SIGCHLD for the
	// new child cannot be fanned out before the child is registered.
	mu       sync.Mutex
	children []Child

	// lifeMu serializes Start and Shutdown.
	lifeMu     sync.Mutex
	running    bool
	self       resource.Pipe
	sigCh      chan os.Signal
	relayDone  chan struct{}
	workerDone chan struct{}

	log logger.Logger
}

// New creates a stopped Reaper. Most callers want Default.
func New() *Reaper {
	return &Reaper{
		self: resource.NewPipe(),
		log:  logger.Log.With("component", "reaper"),
	}
}

var (
	defaultMu     sync.Mutex
	defaultReaper *Reaper
)

// Default returns the process-wide reaper, constructing it on first use.
func Default() *Reaper {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultReaper == nil {
		defaultReaper = New()
	}
	return defaultReaper
}

// Shutdown tears down the process-wide reaper. A later Default call builds a
// fresh one.
func Shutdown() error {
	defaultMu.Lock()
	r := defaultReaper
	defaultReaper = nil
	defaultMu.Unlock()

	if r == nil {
		return nil
	}
	return r.Shutdown()
}

// Start creates the self-pipe, subscribes to SIGCHLD and launches the worker.
// Calling Start on a running reaper is a no-op.
func (r *Reaper) Start() error {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()

	if r.running {
		return nil
	}

	if err := r.self.Create(); err != nil {
		return err
	}
	// The relay must never block on a full pipe; one pending byte is
	// enough to guarantee a fan-out.
	if err := resource.SetNonblock(r.self.R); err != nil {
		r.self.Destroy()
		return err
	}
	if err := resource.SetNonblock(r.self.W); err != nil {
		r.self.Destroy()
		return err
	}

	r.sigCh = make(chan os.Signal, 1)
	r.relayDone = make(chan struct{})
	r.workerDone = make(chan struct{})
	signal.Notify(r.sigCh, unix.SIGCHLD)

	go r.relay(r.sigCh, r.self.W, r.relayDone)
	go r.run(r.self.R, r.workerDone)

	r.running = true
	r.log.Debug("Reaper: started", "selfpipe_r", r.self.R, "selfpipe_w", r.self.W)
	return nil
}

// Running reports whether the worker is active.
func (r *Reaper) Running() bool {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	return r.running
}

// relay is the only code that reacts to SIGCHLD: one zero byte per delivery.
func (r *Reaper) relay(sigCh <-chan os.Signal, wfd int, done chan<- struct{}) {
	defer close(done)
	for range sigCh {
		_, _ = resource.WriteNonblocking(wfd, []byte{consts.ReaperWakeByte})
	}
}

// Notify wakes the worker exactly as a SIGCHLD delivery would.
func (r *Reaper) Notify() {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	if !r.running {
		return
	}
	_, _ = resource.WriteNonblocking(r.self.W, []byte{consts.ReaperWakeByte})
}

func (r *Reaper) run(rfd int, done chan<- struct{}) {
	defer close(done)

	var buf [1]byte
	for {
		fds := []unix.PollFd{{Fd: int32(rfd), Events: unix.POLLIN}}
		_, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			r.log.Error("Reaper: poll failed, worker exiting", "err", err)
			return
		}

		// Consume a single byte even if several SIGCHLDs are queued; the
		// fan-out below re-checks every child anyway.
		n, err := resource.Read(rfd, buf[:])
		if err == unix.EAGAIN {
			continue
		}
		if err != nil || n <= 0 || buf[0] == consts.ReaperShutdownByte {
			r.log.Debug("Reaper: worker exiting")
			return
		}

		r.catchDeadChildren()
	}
}

func (r *Reaper) catchDeadChildren() {
	monitor.ReaperWakeups.Inc()

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.children {
		// A full death pipe already carries a pending notice.
		_, _ = resource.WriteNonblocking(c.DeathFD(), []byte{0})
		r.log.Debug("Reaper: sending death notice", "pid", c.PID())
	}
}

// Lock acquires the registry lock. Launchers hold it across fork and Add.
func (r *Reaper) Lock() { r.mu.Lock() }

// Unlock releases the registry lock.
func (r *Reaper) Unlock() { r.mu.Unlock() }

// Add registers c. The caller must already hold the registry lock.
func (r *Reaper) Add(c Child) {
	r.log.Debug("Reaper: adding child", "pid", c.PID())
	r.children = append(r.children, c)
	monitor.ReaperChildren.Set(float64(len(r.children)))
}

// Remove unregisters c by identity. Removing an absent child is a no-op.
func (r *Reaper) Remove(c Child) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, existing := range r.children {
		if existing == c {
			r.log.Debug("Reaper: removing child", "pid", c.PID())
			r.children = append(r.children[:i], r.children[i+1:]...)
			break
		}
	}
	monitor.ReaperChildren.Set(float64(len(r.children)))
}

// Len returns the number of registered children.
func (r *Reaper) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.children)
}

// Shutdown stops the worker, closes the self-pipe and forgets every child.
// Only this reaper's SIGCHLD subscription is removed; other subscribers in
// the process keep receiving the signal.
func (r *Reaper) Shutdown() error {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()

	if !r.running {
		return nil
	}

	signal.Stop(r.sigCh)
	close(r.sigCh)
	<-r.relayDone

	// If the sentinel cannot be written the pipe is full; closing the write
	// end still ends the worker once it drains to EOF.
	_, _ = resource.WriteNonblocking(r.self.W, []byte{consts.ReaperShutdownByte})
	r.self.CloseWrite()
	<-r.workerDone
	r.self.CloseRead()

	r.mu.Lock()
	r.children = nil
	r.mu.Unlock()
	monitor.ReaperChildren.Set(0)

	r.running = false
	r.log.Debug("Reaper: shut down")
	return nil
}

// Personal.AI order the ending
