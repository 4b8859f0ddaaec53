package detach

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/turtacn/Procwarden/pkg/errors"
	"github.com/turtacn/Procwarden/pkg/process"
)

func TestMain(m *testing.M) {
	if Init() {
		return
	}
	os.Exit(m.Run())
}

// waitForFile polls until path has content or timeout passes.
func waitForFile(t *testing.T, path string, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
			return string(data)
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", path)
	return ""
}

func TestStart_ProgramIsNotOurChild(t *testing.T) {
	pid, err := Start("sleep", []string{"5"}, WithNullStdio())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if pid <= 0 {
		t.Fatalf("Expected a positive pid, got %d", pid)
	}
	defer unix.Kill(pid, unix.SIGKILL)

	if err := unix.Kill(pid, 0); err != nil {
		t.Errorf("Detached program should be alive: %v", err)
	}

	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil); err != unix.ECHILD {
		t.Errorf("Expected ECHILD for a detached program, got %v", err)
	}

	sid, err := unix.Getsid(pid)
	if err != nil {
		t.Fatalf("Getsid failed: %v", err)
	}
	ours, _ := unix.Getsid(0)
	if sid == ours {
		t.Error("Detached program should run in its own session")
	}
}

func TestStart_WorkingDirectory(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("EvalSymlinks failed: %v", err)
	}
	out := filepath.Join(dir, "pwd.txt")

	_, err = Start("sh", []string{"-c", "pwd -P > " + out}, WithWorkingDirectory(dir), WithNullStdio())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got := strings.TrimSpace(waitForFile(t, out, 5*time.Second)); got != dir {
		t.Errorf("Expected %q, got %q", dir, got)
	}
}

func TestStart_BadWorkingDirectoryIsNotFatal(t *testing.T) {
	out := filepath.Join(t.TempDir(), "ran.txt")

	_, err := Start("sh", []string{"-c", "echo ran > " + out}, WithWorkingDirectory("/nonexistent/procwarden-dir"), WithNullStdio())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got := strings.TrimSpace(waitForFile(t, out, 5*time.Second)); got != "ran" {
		t.Errorf("Expected the program to run, got %q", got)
	}
}

func TestStart_Environment(t *testing.T) {
	out := filepath.Join(t.TempDir(), "env.txt")
	env := process.NewEnvironment()
	env.Insert("PROCWARDEN_DETACHED", "yes")

	_, err := Start("sh", []string{"-c", `printf '%s' "$PROCWARDEN_DETACHED" > ` + out}, WithEnvironment(env), WithNullStdio())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got := waitForFile(t, out, 5*time.Second); got != "yes" {
		t.Errorf("Expected custom environment, got %q", got)
	}
}

func TestStart_MissingProgram(t *testing.T) {
	pid, err := Start("procwarden-no-such-program", nil, WithNullStdio())
	if err == nil {
		t.Fatal("Expected failure for a missing program")
	}
	if errors.CodeOf(err) != errors.ErrCodeDetachFailed {
		t.Errorf("Expected DetachFailed, got %v", err)
	}
	if pid != -1 {
		t.Errorf("Expected pid -1, got %d", pid)
	}
}
