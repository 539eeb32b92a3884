//go:build darwin

package kqwatch

import "golang.org/x/sys/unix"

// openMode is O_EVTONLY, which lets a watched path be opened without
// marking its volume busy or in use. Without it, watching a file on a
// removable volume would prevent that volume from being unmounted while
// the watch was alive.
const openMode = unix.O_EVTONLY | unix.O_CLOEXEC
