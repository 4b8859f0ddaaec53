//go:build !linux

package process

import "golang.org/x/sys/unix"

const ioctlBytesReadable = unix.FIONREAD

// Personal.AI order the ending
