//go:build freebsd || openbsd || netbsd || dragonfly || darwin

// Package kqwatch watches a directory tree for changes on BSD-family
// kernels using kqueue/kevent, and emits semantic create/delete/modify/move
// events by reconciling the kernel's sparse VNODE notifications against
// directory snapshots taken immediately before and after each wake-up.
package kqwatch

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kqwatch/kqwatch/internal"
	"github.com/kqwatch/kqwatch/snapshot"
	"golang.org/x/sys/unix"
)

// MaxEvents is the maximum number of raw kernel events read per cycle.
const MaxEvents = 4096

// ErrClosed is returned by QueueEvents after Close has been called.
var ErrClosed = errors.New("kqwatch: emitter closed")

// Option configures an Emitter at construction time.
type Option func(*Emitter)

// WithStatHook overrides the stat function used to build snapshots. Mainly
// useful for tests that want to inject a fake file tree.
func WithStatHook(fn snapshot.StatFunc) Option {
	return func(e *Emitter) { e.userStat = fn }
}

// WithListDirHook overrides the directory-listing function used to build
// snapshots.
func WithListDirHook(fn snapshot.ListDirFunc) Option {
	return func(e *Emitter) { e.listDir = fn }
}

// WithMetrics attaches a Metrics instance so the caller can register its
// collectors before any events are produced. If omitted, New creates one
// that is only reachable via Emitter.Metrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Emitter) { e.metrics = m }
}

// Emitter owns a kqueue event port, a descriptor set, and the current
// snapshot for one watched root. It drives the descriptor set and the
// snapshot differ together to turn the kernel's sparse VNODE notifications
// into the semantic Events consumers want.
type Emitter struct {
	Events chan Event
	Errors chan error

	root      string
	recursive bool

	kq        int
	mu        sync.Mutex // held across an entire QueueEvents call and across Close, so a cycle and a shutdown never run concurrently
	done      chan struct{}
	closeOnce sync.Once

	descriptors *descriptorSet
	snap        *snapshot.Snapshot

	userStat snapshot.StatFunc
	listDir  snapshot.ListDirFunc

	metrics *Metrics
}

// New creates an Emitter watching root. If recursive, subdirectories are
// watched too. Startup walks the tree once, opening a descriptor and
// registering a kqueue filter for every path it can, and captures the
// initial snapshot.
func New(root string, recursive bool, opts ...Option) (*Emitter, error) {
	root, err := normalize(root)
	if err != nil {
		return nil, err
	}

	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("kqwatch: creating kqueue: %w", err)
	}

	e := &Emitter{
		Events:      make(chan Event),
		Errors:      make(chan error),
		root:        root,
		recursive:   recursive,
		kq:          kq,
		done:        make(chan struct{}),
		descriptors: newDescriptorSet(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = newMetrics()
	}
	e.descriptors.onChanged = func(n int) { e.metrics.Descriptors.Set(float64(n)) }

	snap, err := snapshot.New(root, recursive, e.customStat, e.listDir)
	if err != nil {
		unix.Close(kq)
		return nil, err
	}
	e.snap = snap
	return e, nil
}

// Metrics returns the Prometheus collectors this Emitter updates, for the
// caller to register on its own registry.
func (e *Emitter) Metrics() *Metrics { return e.metrics }

// customStat wraps the user-supplied (or default) stat function so that
// every path successfully stat'd during a snapshot walk is also registered
// with the descriptor set, before the caller records the snapshot entry.
// This is what lets newly-discovered paths get a kqueue watch without a
// second pass over the tree.
func (e *Emitter) customStat(path string) (snapshot.Entry, error) {
	stat := e.userStat
	if stat == nil {
		stat = snapshot.DefaultStat
	}
	entry, err := stat(path)
	if err != nil {
		return snapshot.Entry{}, err
	}
	if err := e.registerKevent(path, entry.IsDir); err != nil {
		return snapshot.Entry{}, err
	}
	return entry, nil
}

// registerKevent adds path to the descriptor set. A transient file that
// vanished before we could open it (ENOENT), or a special file that refuses
// event-only opens (EOPNOTSUPP), is silently ignored rather than surfaced —
// emitting synthetic create/delete pairs here has in the past crashed
// consumers on editor lock files such as .git/index.lock. Any other errno
// propagates.
func (e *Emitter) registerKevent(path string, isDir bool) error {
	err := e.descriptors.add(path, isDir)
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EOPNOTSUPP) {
		return nil
	}
	return err
}

func (e *Emitter) unregisterKevent(path string) {
	_ = e.descriptors.remove(path)
}

// QueueEvents blocks for up to timeout waiting on the kqueue, then takes a
// fresh snapshot, diffs it against the previous one, and pushes the
// resulting semantic events to Events. A negative timeout blocks
// indefinitely. Returns ErrClosed once Close has been called.
func (e *Emitter) QueueEvents(timeout time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	select {
	case <-e.done:
		return ErrClosed
	default:
	}

	raw, err := e.readKevents(timeout)
	if err != nil {
		if errors.Is(err, unix.EBADF) {
			// A descriptor was closed mid-call; the next cycle proceeds normally.
			return nil
		}
		return err
	}
	reverseKevents(raw) // kevent(2) hands back the most recent event first; reverse to chronological order before processing

	start := time.Now()
	newSnap, err := snapshot.New(e.root, e.recursive, e.customStat, e.listDir)
	e.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}
	ref := e.snap
	e.snap = newSnap
	diff := snapshot.Compute(ref, newSnap)

	for _, p := range diff.DirsCreated() {
		e.queueEvent(created(true, p))
	}
	for _, p := range diff.FilesCreated() {
		e.queueEvent(created(false, p))
	}
	for _, p := range diff.FilesModified() {
		e.queueEvent(modified(false, p))
	}

	for _, kev := range raw {
		for _, ev := range e.translate(kev, ref, newSnap) {
			e.queueEvent(ev)
		}
	}
	return nil
}

func (e *Emitter) readKevents(timeout time.Duration) ([]unix.Kevent_t, error) {
	changes := e.descriptors.kevents()
	events := make([]unix.Kevent_t, MaxEvents)

	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}

	n, err := unix.Kevent(e.kq, changes, events, ts)
	if err != nil {
		return nil, err
	}
	return events[:n], nil
}

func reverseKevents(evs []unix.Kevent_t) {
	for i, j := 0, len(evs)-1; i < j; i, j = i+1, j-1 {
		evs[i], evs[j] = evs[j], evs[i]
	}
}

// translate turns one raw kevent into zero or more semantic Events by
// inspecting its fflags: a rename goes through inode-based reconciliation
// since the kernel never names the destination, attribute/write/extend map
// to a modification, and delete maps directly.
func (e *Emitter) translate(kev unix.Kevent_t, ref, cur *snapshot.Snapshot) []Event {
	d, ok := e.descriptors.getForFd(int(kev.Ident))
	if !ok {
		return nil // descriptor was just unregistered; drop the event
	}
	if internal.Enabled {
		internal.Debug(d.path, &kev)
	}

	fflags := uint32(kev.Fflags)
	src := d.path

	switch {
	case fflags&unix.NOTE_RENAME != 0:
		return e.reconcileRename(src, d.isDir, ref, cur)
	case fflags&unix.NOTE_ATTRIB != 0:
		return []Event{modified(d.isDir, src)}
	case fflags&(unix.NOTE_WRITE|unix.NOTE_EXTEND) != 0:
		if d.isDir {
			if e.recursive || src == e.root {
				return []Event{modified(true, src)}
			}
			return nil
		}
		return []Event{modified(false, src)}
	case fflags&unix.NOTE_DELETE != 0:
		return []Event{deleted(d.isDir, src)}
	}
	return nil
}

// reconcileRename recovers the destination of a rename kqueue did not name,
// by looking up the source's inode in the reference snapshot and finding
// where that inode lives in the current one.
func (e *Emitter) reconcileRename(src string, isDir bool, ref, cur *snapshot.Snapshot) []Event {
	key, ok := ref.Inode(src)
	if !ok {
		// Created and renamed/deleted within a single cycle: no stable
		// identity to chase, so report it as a created+deleted pair.
		return []Event{created(isDir, src), deleted(isDir, src)}
	}

	dest, ok := cur.PathForInode(key)
	if ok && dest != src {
		events := []Event{
			moved(isDir, src, dest),
			modified(true, filepath.Dir(src)),
			modified(true, filepath.Dir(dest)),
		}
		if isDir && e.recursive {
			events = append(events, subMovedEvents(src, dest, cur)...)
		}
		return events
	}

	// No destination found: renamed out of the watched tree, or deleted.
	return []Event{deleted(isDir, src), modified(true, filepath.Dir(src))}
}

// subMovedEvents synthesizes Moved events for the descendants of a renamed
// directory. The kernel does not replay rename notifications for children
// of a renamed directory (their fds are still open, just now pointing at
// paths under the new name), but the userland contract promises per-child
// events for a recursive watch, so this rewrites each descendant's
// src-prefix to the dest-prefix using the post-rename snapshot.
func subMovedEvents(src, dest string, cur *snapshot.Snapshot) []Event {
	prefix := dest + string(filepath.Separator)
	var out []Event
	for p := range cur.Paths() {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		oldPath := src + strings.TrimPrefix(p, dest)
		out = append(out, moved(cur.IsDir(p), oldPath, p))
	}
	return out
}

// queueEvent pushes ev to Events and performs the descriptor bookkeeping
// that keeps future kernel notifications reaching paths that only came
// into existence mid-run: a Created path gets a new descriptor, a Moved
// path's descriptor migrates from src to dest, a Deleted path's descriptor
// is released.
func (e *Emitter) queueEvent(ev Event) {
	e.sendEvent(ev)
	e.metrics.Events.WithLabelValues(ev.Kind.String()).Inc()

	switch ev.Kind {
	case FileCreated, DirCreated:
		_ = e.registerKevent(ev.Src, ev.IsDir())
	case FileMoved, DirMoved:
		e.unregisterKevent(ev.Src)
		_ = e.registerKevent(ev.Dest, ev.IsDir())
	case FileDeleted, DirDeleted:
		e.unregisterKevent(ev.Src)
	}
}

func (e *Emitter) sendEvent(ev Event) bool {
	select {
	case <-e.done:
		return false
	case e.Events <- ev:
		return true
	}
}

func (e *Emitter) sendError(err error) bool {
	if err == nil {
		return true
	}
	select {
	case <-e.done:
		return false
	case e.Errors <- err:
		return true
	}
}

// Run repeatedly calls QueueEvents with timeout until Close is called. It
// is meant to be the body of the one dedicated worker goroutine per watched
// root; callers that want a different scheduling strategy can call
// QueueEvents directly instead.
func (e *Emitter) Run(timeout time.Duration) {
	for {
		select {
		case <-e.done:
			return
		default:
		}
		if err := e.QueueEvents(timeout); err != nil {
			if errors.Is(err, ErrClosed) {
				return
			}
			if !e.sendError(err) {
				return
			}
		}
	}
}

// Close shuts the emitter down: it clears the descriptor set (closing every
// fd), and closes the kqueue port. Events and Errors are not closed. Close
// waits for an in-flight QueueEvents call to finish. Safe to call more than
// once.
func (e *Emitter) Close() error {
	e.closeOnce.Do(func() { close(e.done) })

	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.descriptors.clear()
	if e.kq >= 0 {
		if cerr := unix.Close(e.kq); err == nil {
			err = cerr
		}
		e.kq = -1
	}
	return err
}
