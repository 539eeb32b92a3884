//go:build freebsd || openbsd || netbsd || dragonfly || darwin

package kqwatch

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// descriptorSet is the thread-safe index of descriptors for one watch: by
// path, by fd, and the derived ordered list of filter records that is the
// argument to the kevent(2) call. All public operations take a single
// coarse-grained lock; every operation is short, so this never shows up as
// contention in practice.
type descriptorSet struct {
	mu        sync.Mutex
	byPath    map[string]*descriptor
	byFd      map[int]*descriptor
	ordered   []*descriptor // insertion order; filter-record list derives from this
	onChanged func(n int)   // optional hook, e.g. a metrics gauge
}

func newDescriptorSet() *descriptorSet {
	return &descriptorSet{
		byPath: make(map[string]*descriptor),
		byFd:   make(map[int]*descriptor),
	}
}

// add registers a descriptor for (path, isDir). A no-op if path is already
// present, matching the policy that a set holds exactly one descriptor per
// path.
func (s *descriptorSet) add(path string, isDir bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byPath[path]; ok {
		return nil
	}

	d, err := newDescriptor(path, isDir)
	if err != nil {
		return err
	}

	s.byPath[path] = d
	s.byFd[d.fd] = d
	s.ordered = append(s.ordered, d)
	s.notify()
	return nil
}

// remove closes and unregisters the descriptor for path. A no-op if path is
// not present.
func (s *descriptorSet) remove(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(path)
}

func (s *descriptorSet) removeLocked(path string) error {
	d, ok := s.byPath[path]
	if !ok {
		return nil
	}
	delete(s.byPath, path)
	delete(s.byFd, d.fd)
	for i, o := range s.ordered {
		if o == d {
			s.ordered = append(s.ordered[:i], s.ordered[i+1:]...)
			break
		}
	}
	s.notify()
	return d.close()
}

// get looks up the descriptor for path. A missing path is reported with
// ok=false; get does not panic or return an error for it.
func (s *descriptorSet) get(path string) (*descriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byPath[path]
	return d, ok
}

// getForFd looks up the descriptor owning fd.
func (s *descriptorSet) getForFd(fd int) (*descriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byFd[fd]
	return d, ok
}

// kevents returns a copy of the filter-record list, safe to pass to
// kevent(2) without holding the set's lock — the kernel call can block for
// up to the emitter's timeout, and register/unregister must not stall
// behind it.
func (s *descriptorSet) kevents() []unix.Kevent_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]unix.Kevent_t, len(s.ordered))
	for i, d := range s.ordered {
		out[i] = d.kevt
	}
	return out
}

// paths returns the set of currently-registered paths.
func (s *descriptorSet) paths() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]struct{}, len(s.byPath))
	for p := range s.byPath {
		out[p] = struct{}{}
	}
	return out
}

// clear closes every descriptor and empties every index.
func (s *descriptorSet) clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, d := range s.ordered {
		if err := d.close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing descriptor for %q: %w", d.path, err)
		}
	}
	s.byPath = make(map[string]*descriptor)
	s.byFd = make(map[int]*descriptor)
	s.ordered = nil
	s.notify()
	return firstErr
}

func (s *descriptorSet) notify() {
	if s.onChanged != nil {
		s.onChanged(len(s.ordered))
	}
}
