package resource

import (
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/turtacn/Procwarden/pkg/consts"
	"github.com/turtacn/Procwarden/pkg/logger"
)

// Invalid marks a pipe end that is unused or already closed.
const Invalid = -1

// Pipe holds the read and write ends of one OS pipe.
type Pipe struct {
	R int
	W int
}

// NewPipe returns a pipe with both ends invalid.
func NewPipe() Pipe {
	return Pipe{R: Invalid, W: Invalid}
}

// Create closes whatever the pair currently holds and opens a fresh
// close-on-exec pipe in its place.
func (p *Pipe) Create() error {
	p.Destroy()

	var fds [2]int
	// Hold ForkLock so a concurrent fork cannot inherit the fds before
	// close-on-exec is set.
	syscall.ForkLock.RLock()
	err := unix.Pipe(fds[:])
	if err == nil {
		unix.CloseOnExec(fds[0])
		unix.CloseOnExec(fds[1])
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		logger.Log.Warn("Resource: cannot create pipe", "err", err)
		return err
	}

	p.R, p.W = fds[0], fds[1]
	return nil
}

// Destroy closes both ends. It is safe to call repeatedly.
func (p *Pipe) Destroy() {
	p.CloseWrite()
	p.CloseRead()
}

// CloseRead closes the read end, if open.
func (p *Pipe) CloseRead() { closeFD(&p.R) }

// CloseWrite closes the write end, if open.
func (p *Pipe) CloseWrite() { closeFD(&p.W) }

// IsOpen reports whether either end is still open.
func (p Pipe) IsOpen() bool {
	return p.R != Invalid || p.W != Invalid
}

func closeFD(fd *int) {
	if *fd == Invalid {
		return
	}
	_ = unix.Close(*fd)
	*fd = Invalid
}

// SetNonblock puts fd into non-blocking mode; invalid fds are ignored.
func SetNonblock(fd int) error {
	if fd == Invalid {
		return nil
	}
	return unix.SetNonblock(fd, true)
}

// IsNonblocking reports whether O_NONBLOCK is set on fd.
func IsNonblocking(fd int) (bool, error) {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return false, err
	}
	return flags&unix.O_NONBLOCK != 0, nil
}

// OpenRedirect opens a redirect target: read-only for input, otherwise
// write-only, created with mode 0666 and either truncated or appended to.
func OpenRedirect(path string, input, appendMode bool) (int, error) {
	flags := unix.O_CLOEXEC
	if input {
		flags |= unix.O_RDONLY
	} else {
		flags |= unix.O_WRONLY | unix.O_CREAT
		if appendMode {
			flags |= unix.O_APPEND
		} else {
			flags |= unix.O_TRUNC
		}
	}
	for {
		fd, err := unix.Open(path, flags, consts.RedirectFileMode)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return Invalid, err
		}
		return fd, nil
	}
}

// WriteNonblocking writes one chunk to fd, reporting EAGAIN as zero bytes written.
func WriteNonblocking(fd int, data []byte) (int, error) {
	for {
		n, err := unix.Write(fd, data)
		switch err {
		case nil:
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, nil
		default:
			return -1, err
		}
	}
}

// Read reads from fd, retrying on EINTR.
func Read(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Read(fd, buf)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

// Personal.AI order the ending
