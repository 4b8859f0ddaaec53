package process

import (
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/turtacn/Procwarden/internal/resource"
	"github.com/turtacn/Procwarden/pkg/consts"
	"github.com/turtacn/Procwarden/pkg/errors"
	"github.com/turtacn/Procwarden/pkg/reaper"
)

func TestProcess_ForkFailure(t *testing.T) {
	orig := forkExec
	forkExec = func(string, []string, *syscall.ProcAttr) (int, error) { return 0, syscall.EAGAIN }
	defer func() { forkExec = orig }()

	r := reaper.New()
	if err := r.Start(); err != nil {
		t.Fatalf("Reaper start failed: %v", err)
	}
	defer r.Shutdown()

	var states []consts.ProcessState
	p := New("true")
	p.SetReaper(r)
	p.SetHooks(Hooks{StateChanged: func(s consts.ProcessState) { states = append(states, s) }})

	err := p.Start()
	if err == nil {
		t.Fatal("Start should fail when fork fails")
	}
	if errors.CodeOf(err) != errors.ErrCodeFailedToStart {
		t.Errorf("Expected FailedToStart, got %v", errors.CodeOf(err))
	}
	if !strings.Contains(p.ErrorString(), "fork failure") {
		t.Errorf("Unexpected error text %q", p.ErrorString())
	}
	if p.State() != consts.StateNotRunning {
		t.Errorf("Expected NOT_RUNNING, got %s", p.State())
	}
	if len(states) == 0 || states[len(states)-1] != consts.StateNotRunning {
		t.Errorf("Expected to end in NOT_RUNNING, got %v", states)
	}
	if r.Len() != 0 {
		t.Errorf("Failed child stayed registered: %d", r.Len())
	}
	if p.WaitForStarted(100 * time.Millisecond) {
		t.Error("WaitForStarted should fail after a fork failure")
	}
}

// The descriptor table is exhausted in a child test binary so the rest of
// the suite keeps its limits.
func TestProcess_PipeCreationFailure(t *testing.T) {
	if os.Getenv("PROCWARDEN_EXHAUST_FDS") == "1" {
		exhaustedPipeStart(t)
		return
	}
	cmd := exec.Command(os.Args[0], "-test.run=^TestProcess_PipeCreationFailure$", "-test.v")
	cmd.Env = append(os.Environ(), "PROCWARDEN_EXHAUST_FDS=1")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("Helper run failed: %v\n%s", err, out)
	}
	if !strings.Contains(string(out), "--- PASS") {
		t.Fatalf("Helper did not pass:\n%s", out)
	}
}

func exhaustedPipeStart(t *testing.T) {
	r := reaper.New()
	if err := r.Start(); err != nil {
		t.Fatalf("Reaper start failed: %v", err)
	}
	defer r.Shutdown()

	p := New("true")
	p.SetReaper(r)

	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		t.Fatalf("Getrlimit failed: %v", err)
	}
	lowered := lim
	lowered.Cur = 128
	if lowered.Cur > lim.Cur {
		lowered.Cur = lim.Cur
	}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &lowered); err != nil {
		t.Fatalf("Setrlimit failed: %v", err)
	}
	defer unix.Setrlimit(unix.RLIMIT_NOFILE, &lim)

	null, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("Open /dev/null failed: %v", err)
	}
	held := []int{null}
	defer func() {
		for _, fd := range held {
			unix.Close(fd)
		}
	}()
	for {
		fd, err := unix.Dup(null)
		if err != nil {
			break
		}
		unix.CloseOnExec(fd)
		held = append(held, fd)
	}

	err = p.Start()
	if err == nil {
		t.Fatal("Start should fail without free descriptors")
	}
	if errors.CodeOf(err) != errors.ErrCodeFailedToStart {
		t.Errorf("Expected FailedToStart, got %v", errors.CodeOf(err))
	}
	if !strings.Contains(p.ErrorString(), "could not create pipe") {
		t.Errorf("Unexpected error text %q", p.ErrorString())
	}
	if p.State() != consts.StateNotRunning {
		t.Errorf("Expected NOT_RUNNING, got %s", p.State())
	}
	if r.Len() != 0 {
		t.Errorf("No child should be registered, got %d", r.Len())
	}
}

func TestProcess_ChildGetsDefaultSIGPIPE(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("reads /proc/self/status")
	}
	signal.Ignore(syscall.SIGPIPE)
	defer signal.Reset(syscall.SIGPIPE)

	p := New("sh", "-c", "grep SigIgn /proc/self/status")
	runToCompletion(t, p)

	line := strings.TrimSpace(string(p.ReadAllStandardOutput()))
	fields := strings.Fields(line)
	if len(fields) != 2 {
		t.Fatalf("Unexpected status line %q", line)
	}
	mask, err := strconv.ParseUint(fields[1], 16, 64)
	if err != nil {
		t.Fatalf("Bad SigIgn mask %q: %v", fields[1], err)
	}
	if mask&(1<<(uint(syscall.SIGPIPE)-1)) != 0 {
		t.Errorf("SIGPIPE is still ignored in the child: %s", fields[1])
	}
	if !signal.Ignored(syscall.SIGPIPE) {
		t.Error("Host SIGPIPE disposition was not restored")
	}
}

func TestBytesAvailableCountsPipeContents(t *testing.T) {
	pipe := resource.NewPipe()
	if err := pipe.Create(); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer pipe.Destroy()

	if n := bytesAvailable(pipe.R); n != 0 {
		t.Errorf("Expected an empty pipe, got %d", n)
	}
	if _, err := unix.Write(pipe.W, []byte("hello")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if n := bytesAvailable(pipe.R); n != 5 {
		t.Errorf("Expected 5 readable bytes, got %d", n)
	}
	if n := bytesAvailable(resource.Invalid); n != 0 {
		t.Errorf("Invalid fd should report 0, got %d", n)
	}
}
