//go:build !windows

package snapshot

import "testing"

func snap(entries ...Entry) *Snapshot {
	s := &Snapshot{entries: map[string]Entry{}, byInode: map[InodeKey]string{}}
	for _, e := range entries {
		s.add(e)
	}
	return s
}

// Diffing a snapshot against itself must report nothing added, removed, or
// modified.
func TestComputeEmptyDiffAgainstSelf(t *testing.T) {
	s := snap(
		Entry{Path: "/root", Ino: 1, Dev: 1, IsDir: true},
		Entry{Path: "/root/a.txt", Ino: 2, Dev: 1, Mtime: 100, Size: 10},
	)
	d := Compute(s, s)
	if len(d.Added) != 0 || len(d.Removed) != 0 || len(d.Modified) != 0 {
		t.Fatalf("Compute(s, s) = %+v, want all empty", d)
	}
}

// Swapping the arguments swaps Added and Removed.
func TestComputeAddedRemovedInverseOnSwap(t *testing.T) {
	previous := snap(
		Entry{Path: "/root", Ino: 1, Dev: 1, IsDir: true},
		Entry{Path: "/root/old.txt", Ino: 2, Dev: 1, Mtime: 100, Size: 10},
	)
	current := snap(
		Entry{Path: "/root", Ino: 1, Dev: 1, IsDir: true},
		Entry{Path: "/root/new.txt", Ino: 3, Dev: 1, Mtime: 100, Size: 10},
	)

	forward := Compute(previous, current)
	backward := Compute(current, previous)

	if _, ok := forward.Added["/root/new.txt"]; !ok {
		t.Fatal("forward diff should report /root/new.txt as added")
	}
	if _, ok := backward.Removed["/root/new.txt"]; !ok {
		t.Fatal("swapped diff should report /root/new.txt as removed")
	}
	if _, ok := forward.Removed["/root/old.txt"]; !ok {
		t.Fatal("forward diff should report /root/old.txt as removed")
	}
	if _, ok := backward.Added["/root/old.txt"]; !ok {
		t.Fatal("swapped diff should report /root/old.txt as added")
	}
}

func TestComputeModifiedOnInodeChange(t *testing.T) {
	previous := snap(Entry{Path: "/root/a.txt", Ino: 2, Dev: 1, Mtime: 100, Size: 10})
	current := snap(Entry{Path: "/root/a.txt", Ino: 99, Dev: 1, Mtime: 100, Size: 10})

	d := Compute(previous, current)
	if _, ok := d.Modified["/root/a.txt"]; !ok {
		t.Fatal("an inode change on the same path should count as modified")
	}
}

func TestComputeModifiedOnMtimeChange(t *testing.T) {
	previous := snap(Entry{Path: "/root/a.txt", Ino: 2, Dev: 1, Mtime: 100, Size: 10})
	current := snap(Entry{Path: "/root/a.txt", Ino: 2, Dev: 1, Mtime: 200, Size: 20})

	d := Compute(previous, current)
	if _, ok := d.Modified["/root/a.txt"]; !ok {
		t.Fatal("an mtime change on the same path should count as modified")
	}
}

func TestDirsCreatedFilesCreatedPartition(t *testing.T) {
	previous := snap(Entry{Path: "/root", Ino: 1, Dev: 1, IsDir: true})
	current := snap(
		Entry{Path: "/root", Ino: 1, Dev: 1, IsDir: true},
		Entry{Path: "/root/sub", Ino: 2, Dev: 1, IsDir: true},
		Entry{Path: "/root/a.txt", Ino: 3, Dev: 1},
	)
	d := Compute(previous, current)

	dirs := d.DirsCreated()
	if len(dirs) != 1 || dirs[0] != "/root/sub" {
		t.Fatalf("DirsCreated() = %v, want [/root/sub]", dirs)
	}
	files := d.FilesCreated()
	if len(files) != 1 || files[0] != "/root/a.txt" {
		t.Fatalf("FilesCreated() = %v, want [/root/a.txt]", files)
	}
}
