// Package eventloop is a small poll(2) based dispatcher. A Process given a
// Dispatcher is driven by readiness callbacks instead of blocking waits.
package eventloop

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/turtacn/Procwarden/internal/resource"
	"github.com/turtacn/Procwarden/pkg/logger"
)

// Notifier is a readiness registration handed out by a Dispatcher.
type Notifier interface {
	SetEnabled(enabled bool)
	Close()
}

// Dispatcher delivers fd readiness callbacks. write selects write readiness
// instead of read readiness.
type Dispatcher interface {
	Watch(fd int, write bool, fn func()) Notifier
}

// Loop runs every callback on the goroutine that called Run.
type Loop struct {
	mu      sync.Mutex
	watches []*watch
	posted  []func()
	stopped bool

	wake resource.Pipe
	log  logger.Logger
}

type watch struct {
	loop    *Loop
	fd      int
	write   bool
	fn      func()
	enabled bool
	closed  bool
}

// New creates a Loop with its wake-up pipe.
func New() (*Loop, error) {
	l := &Loop{
		wake: resource.NewPipe(),
		log:  logger.Log.With("component", "eventloop"),
	}
	if err := l.wake.Create(); err != nil {
		return nil, err
	}
	if err := resource.SetNonblock(l.wake.R); err != nil {
		l.wake.Destroy()
		return nil, err
	}
	if err := resource.SetNonblock(l.wake.W); err != nil {
		l.wake.Destroy()
		return nil, err
	}
	return l, nil
}

// Watch registers fn for readiness of fd. The notifier starts enabled.
func (l *Loop) Watch(fd int, write bool, fn func()) Notifier {
	w := &watch{loop: l, fd: fd, write: write, fn: fn, enabled: true}
	l.mu.Lock()
	l.watches = append(l.watches, w)
	l.mu.Unlock()
	l.wakeup()
	return w
}

func (w *watch) SetEnabled(enabled bool) {
	w.loop.mu.Lock()
	changed := w.enabled != enabled && !w.closed
	w.enabled = enabled
	w.loop.mu.Unlock()
	if changed {
		w.loop.wakeup()
	}
}

func (w *watch) Close() {
	l := w.loop
	l.mu.Lock()
	if w.closed {
		l.mu.Unlock()
		return
	}
	w.closed = true
	for i, existing := range l.watches {
		if existing == w {
			l.watches = append(l.watches[:i], l.watches[i+1:]...)
			break
		}
	}
	l.mu.Unlock()
	l.wakeup()
}

// Post queues fn to run on the loop goroutine.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.posted = append(l.posted, fn)
	l.mu.Unlock()
	l.wakeup()
}

// Stop makes Run return after the current iteration.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	l.wakeup()
}

// Close releases the wake-up pipe. Call it after Run has returned.
func (l *Loop) Close() {
	l.wake.Destroy()
}

func (l *Loop) wakeup() {
	_, _ = resource.WriteNonblocking(l.wake.W, []byte{0})
}

func (l *Loop) live(w *watch) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return w.enabled && !w.closed
}

// Run dispatches callbacks until Stop is called.
func (l *Loop) Run() error {
	for {
		l.mu.Lock()
		if l.stopped {
			l.mu.Unlock()
			return nil
		}
		active := make([]*watch, 0, len(l.watches))
		fds := []unix.PollFd{{Fd: int32(l.wake.R), Events: unix.POLLIN}}
		for _, w := range l.watches {
			if !w.enabled {
				continue
			}
			ev := int16(unix.POLLIN)
			if w.write {
				ev = unix.POLLOUT
			}
			active = append(active, w)
			fds = append(fds, unix.PollFd{Fd: int32(w.fd), Events: ev})
		}
		l.mu.Unlock()

		_, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			l.log.Error("Event loop: poll failed", "err", err)
			return err
		}

		if fds[0].Revents != 0 {
			l.drainWake()
		}
		l.runPosted()

		for i, w := range active {
			rev := fds[i+1].Revents
			if rev == 0 {
				continue
			}
			if rev&unix.POLLNVAL != 0 {
				// fd closed behind our back; stop spinning on it.
				l.log.Warn("Event loop: disabling watch on invalid fd", "fd", w.fd)
				w.SetEnabled(false)
				continue
			}
			if l.live(w) {
				w.fn()
			}
		}
	}
}

func (l *Loop) drainWake() {
	var buf [64]byte
	for {
		n, err := resource.Read(l.wake.R, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (l *Loop) runPosted() {
	l.mu.Lock()
	posted := l.posted
	l.posted = nil
	l.mu.Unlock()
	for _, fn := range posted {
		fn()
	}
}

// Personal.AI order the ending
