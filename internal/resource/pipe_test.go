package resource

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

func TestPipe_CreateAndDestroy(t *testing.T) {
	p := NewPipe()
	if p.IsOpen() {
		t.Fatal("New pipe should not be open")
	}

	if err := p.Create(); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if p.R == Invalid || p.W == Invalid {
		t.Fatalf("Expected both ends valid, got %+v", p)
	}

	if _, err := unix.Write(p.W, []byte("x")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	buf := make([]byte, 1)
	if n, err := Read(p.R, buf); err != nil || n != 1 || buf[0] != 'x' {
		t.Fatalf("Read got n=%d err=%v buf=%q", n, err, buf)
	}

	p.Destroy()
	if p.IsOpen() {
		t.Errorf("Expected both ends invalid after Destroy, got %+v", p)
	}
}

func TestPipe_DestroyIdempotent(t *testing.T) {
	p := NewPipe()
	if err := p.Create(); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	p.Destroy()
	p.Destroy()
	p.CloseRead()
	if p.R != Invalid || p.W != Invalid {
		t.Errorf("Expected invalid ends, got %+v", p)
	}
}

func TestPipe_CreateReplacesExisting(t *testing.T) {
	p := NewPipe()
	if err := p.Create(); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	oldR := p.R
	if err := p.Create(); err != nil {
		t.Fatalf("Second Create failed: %v", err)
	}
	defer p.Destroy()

	// The old read end must have been closed by the second Create.
	if _, err := unix.FcntlInt(uintptr(oldR), unix.F_GETFD, 0); err == nil && oldR != p.R && oldR != p.W {
		t.Errorf("Expected old fd %d to be closed", oldR)
	}
}

func TestPipe_CloseOnExec(t *testing.T) {
	p := NewPipe()
	if err := p.Create(); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer p.Destroy()

	for _, fd := range []int{p.R, p.W} {
		flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
		if err != nil {
			t.Fatalf("F_GETFD failed: %v", err)
		}
		if flags&unix.FD_CLOEXEC == 0 {
			t.Errorf("fd %d is missing FD_CLOEXEC", fd)
		}
	}
}

func TestSetNonblock(t *testing.T) {
	p := NewPipe()
	if err := p.Create(); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer p.Destroy()

	nb, err := IsNonblocking(p.R)
	if err != nil {
		t.Fatalf("IsNonblocking failed: %v", err)
	}
	if nb {
		t.Fatal("Fresh pipe should be blocking")
	}

	if err := SetNonblock(p.R); err != nil {
		t.Fatalf("SetNonblock failed: %v", err)
	}
	if nb, _ := IsNonblocking(p.R); !nb {
		t.Error("Expected read end to be non-blocking")
	}
	if err := SetNonblock(Invalid); err != nil {
		t.Errorf("SetNonblock(Invalid) should be a no-op, got %v", err)
	}
}

func TestWriteNonblocking_FullPipe(t *testing.T) {
	p := NewPipe()
	if err := p.Create(); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer p.Destroy()
	if err := SetNonblock(p.W); err != nil {
		t.Fatalf("SetNonblock failed: %v", err)
	}

	chunk := make([]byte, 4096)
	total := 0
	for i := 0; i < 1024; i++ {
		n, err := WriteNonblocking(p.W, chunk)
		if err != nil {
			t.Fatalf("WriteNonblocking failed: %v", err)
		}
		if n == 0 {
			break
		}
		total += n
	}
	if total == 0 {
		t.Fatal("Expected some bytes to be written before the pipe filled")
	}
	if n, err := WriteNonblocking(p.W, chunk); n != 0 || err != nil {
		t.Errorf("Expected (0, nil) on a full pipe, got (%d, %v)", n, err)
	}
}

func TestOpenRedirect(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")
	if err := os.WriteFile(path, []byte("hi-"), 0o644); err != nil {
		t.Fatal(err)
	}

	fd, err := OpenRedirect(path, false, true)
	if err != nil {
		t.Fatalf("OpenRedirect(append) failed: %v", err)
	}
	unix.Write(fd, []byte("hello"))
	unix.Close(fd)

	data, _ := os.ReadFile(path)
	if string(data) != "hi-hello" {
		t.Errorf("Expected hi-hello, got %q", data)
	}

	fd, err = OpenRedirect(path, false, false)
	if err != nil {
		t.Fatalf("OpenRedirect(truncate) failed: %v", err)
	}
	unix.Write(fd, []byte("hello"))
	unix.Close(fd)

	data, _ = os.ReadFile(path)
	if string(data) != "hello" {
		t.Errorf("Expected hello, got %q", data)
	}

	if _, err := OpenRedirect(filepath.Join(dir, "missing"), true, false); err == nil {
		t.Error("Expected error opening a missing input file")
	}
}
