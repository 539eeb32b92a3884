//go:build openbsd || netbsd || dragonfly

package kqwatch

import "golang.org/x/sys/unix"

const openMode = unix.O_RDONLY | unix.O_NONBLOCK | unix.O_CLOEXEC
