//go:build linux

package process

import "golang.org/x/sys/unix"

// ioctlBytesReadable is FIONREAD under its Linux name.
const ioctlBytesReadable = unix.TIOCINQ

// Personal.AI order the ending
