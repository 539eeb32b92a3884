//go:build freebsd || openbsd || netbsd || dragonfly || darwin

package internal

import (
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Enabled is read once at package init from KQWATCH_DEBUG; callers check it
// before formatting a kevent for Debug, so the formatting cost is paid only
// when tracing is actually on.
var Enabled = os.Getenv("KQWATCH_DEBUG") != ""

var names = []struct {
	n string
	m uint32
}{
	{"NOTE_DELETE", unix.NOTE_DELETE},
	{"NOTE_WRITE", unix.NOTE_WRITE},
	{"NOTE_EXTEND", unix.NOTE_EXTEND},
	{"NOTE_ATTRIB", unix.NOTE_ATTRIB},
	{"NOTE_LINK", unix.NOTE_LINK},
	{"NOTE_RENAME", unix.NOTE_RENAME},
	{"NOTE_REVOKE", unix.NOTE_REVOKE},
}

// Debug logs a single raw kevent to stderr. It does not check the
// KQWATCH_DEBUG environment variable itself; callers gate it on Enabled.
// This mirrors fsnotify's FSNOTIFY_DEBUG tracer, just
// renamed and reduced to the fields this module cares about.
func Debug(name string, kevent *unix.Kevent_t) {
	mask := uint32(kevent.Fflags)
	var l []string
	for _, n := range names {
		if mask&n.m == n.m {
			l = append(l, n.n)
		}
	}
	fmt.Fprintf(os.Stderr, "KQWATCH_DEBUG: %s  %10d:%-60s -> %q\n",
		time.Now().Format("15:04:05.000000000"), mask, strings.Join(l, " | "), name)
}
