package reaper

import (
	"os/exec"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/turtacn/Procwarden/internal/resource"
)

type fakeChild struct {
	pid   int
	death resource.Pipe
}

func newFakeChild(t *testing.T, pid int) *fakeChild {
	t.Helper()
	c := &fakeChild{pid: pid, death: resource.NewPipe()}
	if err := c.death.Create(); err != nil {
		t.Fatalf("Failed to create death pipe: %v", err)
	}
	resource.SetNonblock(c.death.R)
	resource.SetNonblock(c.death.W)
	t.Cleanup(c.death.Destroy)
	return c
}

func (c *fakeChild) PID() int     { return c.pid }
func (c *fakeChild) DeathFD() int { return c.death.W }

// readable polls fd for up to timeout, retrying when SIGCHLD interrupts the poll.
func readable(fd int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		left := time.Until(deadline)
		if left < 0 {
			left = 0
		}
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, int(left/time.Millisecond))
		if err == unix.EINTR {
			if left == 0 {
				return false
			}
			continue
		}
		return err == nil && n > 0
	}
}

func startReaper(t *testing.T) *Reaper {
	t.Helper()
	r := New()
	if err := r.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { r.Shutdown() })
	return r
}

func TestReaper_FanOutReachesEveryChild(t *testing.T) {
	r := startReaper(t)

	children := []*fakeChild{newFakeChild(t, 101), newFakeChild(t, 102), newFakeChild(t, 103)}
	r.Lock()
	for _, c := range children {
		r.Add(c)
	}
	r.Unlock()

	if r.Len() != len(children) {
		t.Fatalf("Expected %d children, got %d", len(children), r.Len())
	}

	r.Notify()

	for _, c := range children {
		if !readable(c.death.R, 2*time.Second) {
			t.Fatalf("Child %d did not receive a death notice", c.pid)
		}
		var b [1]byte
		if n, err := resource.Read(c.death.R, b[:]); n != 1 || err != nil || b[0] != 0 {
			t.Errorf("Unexpected notice for %d: n=%d err=%v b=%v", c.pid, n, err, b[0])
		}
	}
}

func TestReaper_RemovedChildIsNotNotified(t *testing.T) {
	r := startReaper(t)

	kept := newFakeChild(t, 201)
	removed := newFakeChild(t, 202)
	r.Lock()
	r.Add(kept)
	r.Add(removed)
	r.Unlock()

	r.Remove(removed)
	r.Remove(removed) // absent: no-op

	if r.Len() != 1 {
		t.Fatalf("Expected 1 child after removal, got %d", r.Len())
	}

	r.Notify()

	if !readable(kept.death.R, 2*time.Second) {
		t.Fatal("Registered child was not notified")
	}
	if readable(removed.death.R, 100*time.Millisecond) {
		t.Error("Removed child should not be notified")
	}
}

func TestReaper_SIGCHLDTriggersFanOut(t *testing.T) {
	r := startReaper(t)

	c := newFakeChild(t, 301)
	r.Lock()
	r.Add(c)
	r.Unlock()

	cmd := exec.Command("true")
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start child: %v", err)
	}
	defer cmd.Wait()

	if !readable(c.death.R, 5*time.Second) {
		t.Fatal("SIGCHLD did not produce a death notice")
	}
}

func TestReaper_FullDeathPipeDoesNotStallFanOut(t *testing.T) {
	r := startReaper(t)

	full := newFakeChild(t, 401)
	chunk := make([]byte, 4096)
	for {
		n, err := resource.WriteNonblocking(full.death.W, chunk)
		if err != nil {
			t.Fatalf("Filling pipe failed: %v", err)
		}
		if n == 0 {
			break
		}
	}
	other := newFakeChild(t, 402)

	r.Lock()
	r.Add(full)
	r.Add(other)
	r.Unlock()

	r.Notify()

	if !readable(other.death.R, 2*time.Second) {
		t.Fatal("Fan-out stalled on a full death pipe")
	}
}

func TestReaper_ShutdownAndRestart(t *testing.T) {
	r := New()
	if err := r.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := r.Start(); err != nil {
		t.Fatalf("Second Start should be a no-op, got %v", err)
	}

	r.Lock()
	r.Add(newFakeChild(t, 501))
	r.Unlock()

	done := make(chan error, 1)
	go func() { done <- r.Shutdown() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Shutdown failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return")
	}

	if r.Running() {
		t.Error("Reaper should not be running after Shutdown")
	}
	if r.Len() != 0 {
		t.Errorf("Registry should be empty after Shutdown, got %d", r.Len())
	}
	if err := r.Shutdown(); err != nil {
		t.Errorf("Second Shutdown should be a no-op, got %v", err)
	}

	if err := r.Start(); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	defer r.Shutdown()

	c := newFakeChild(t, 502)
	r.Lock()
	r.Add(c)
	r.Unlock()
	r.Notify()
	if !readable(c.death.R, 2*time.Second) {
		t.Fatal("Restarted reaper did not fan out")
	}
}

func TestDefault_IsSingleton(t *testing.T) {
	a := Default()
	b := Default()
	if a != b {
		t.Fatal("Default should return the same instance")
	}
	if err := a.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if Default() == a {
		t.Error("Default should build a new instance after Shutdown")
	}
	if err := Shutdown(); err != nil {
		t.Errorf("Shutdown of an unstarted default reaper failed: %v", err)
	}
}
