//go:build freebsd || openbsd || netbsd || dragonfly || darwin

package kqwatch

import (
	"errors"

	"github.com/kqwatch/kqwatch/internal"
	"golang.org/x/sys/unix"
)

// kqFilterFlags is the union of fflags this module registers on every
// watched fd: report deletion, writes, extension, attribute changes, hard
// link count changes, renames, and force-unmount revocation.
const kqFilterFlags = unix.NOTE_DELETE | unix.NOTE_WRITE | unix.NOTE_EXTEND |
	unix.NOTE_ATTRIB | unix.NOTE_LINK | unix.NOTE_RENAME | unix.NOTE_REVOKE

const kqEventFlags = unix.EV_ADD | unix.EV_ENABLE | unix.EV_CLEAR

// descriptorKey is the equality/hash key for a descriptor: (path,
// is_directory). Exactly one descriptor exists per key in a descriptorSet.
type descriptorKey struct {
	path  string
	isDir bool
}

// descriptor is the unit of watching: an owned fd and its kqueue filter
// record, for one normalized path.
type descriptor struct {
	path  string
	isDir bool
	fd    int
	kevt  unix.Kevent_t
}

// newDescriptor opens path with the platform's event-only flag and builds
// its filter record. The fd is owned by the returned descriptor; the caller
// must close it (directly, or via descriptorSet.remove/clear).
func newDescriptor(path string, isDir bool) (*descriptor, error) {
	// Retry on EINTR; open() can return EINTR in practice on macOS, see
	// fsnotify#354 and Go issues #11180 and #39237.
	fd, err := internal.IgnoringEINTR(func() (int, error) {
		return unix.Open(path, openMode, 0)
	})
	if err != nil {
		return nil, err
	}

	d := &descriptor{path: path, isDir: isDir, fd: fd}
	unix.SetKevent(&d.kevt, fd, unix.EVFILT_VNODE, kqEventFlags)
	d.kevt.Fflags = kqFilterFlags
	return d, nil
}

func (d *descriptor) key() descriptorKey {
	return descriptorKey{path: d.path, isDir: d.isDir}
}

// close releases the fd. It is idempotent and swallows EBADF, since the fd
// may already have been closed by the kernel tearing down the volume it was
// on, or by a concurrent close elsewhere.
func (d *descriptor) close() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	if errors.Is(err, unix.EBADF) {
		return nil
	}
	return err
}
