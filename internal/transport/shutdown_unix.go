//go:build unix

package transport

import "golang.org/x/sys/unix"

func shutdownWrite(fd int) error { return unix.Shutdown(fd, unix.SHUT_WR) }
