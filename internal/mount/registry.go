// Package mount implements the mount registry of spec §4.4: a process-wide
// map from chroot id to an ordered list of mount records, with acquisition
// in strict order and release in reverse. Mount/unmount syscalls are
// grounded on other_examples/a4aa7085_zkoopmans-gvisor__runsc-cmd-chroot.go.go
// (SafeMount/PivotRoot via golang.org/x/sys/unix); /proc/self/mountinfo
// reconciliation is the same idea generalized to pmbootstrap's work-dir
// scope.
package mount

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	pmberrors "github.com/pmbootstrap/pmbootstrap/internal/errors"
)

// Kind is the kind of mount a Record represents.
type Kind int

const (
	Bind Kind = iota
	Tmpfs
	Proc
	Sys
	Dev
	Binfmt
)

func (k Kind) String() string {
	switch k {
	case Bind:
		return "bind"
	case Tmpfs:
		return "tmpfs"
	case Proc:
		return "proc"
	case Sys:
		return "sys"
	case Dev:
		return "dev"
	case Binfmt:
		return "binfmt"
	default:
		return "unknown"
	}
}

// Record is one mount record (spec §3): a tuple (chroot, source, target,
// kind, created-by-this-invocation).
type Record struct {
	ChrootID       string
	Source         string
	Target         string
	Kind           Kind
	CreatedByUs    bool
	fstype         string
	flags          uintptr
}

// Registry is the process-wide mount registry. One Registry exists per
// invocation; it is the single writer of mount state (spec §5).
type Registry struct {
	mu       sync.Mutex
	records  map[string][]Record // chrootID -> ordered records, acquisition order
	refcount map[string]int
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		records:  make(map[string][]Record),
		refcount: make(map[string]int),
	}
}

// Acquire bumps chrootID's reference count. The first Acquire for a chroot
// is expected to be followed by a sequence of Mount calls establishing its
// mount set; later Acquire calls just bump the count so nested entries
// don't tear down mounts underneath an outer caller.
func (r *Registry) Acquire(chrootID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refcount[chrootID]++
	return r.refcount[chrootID]
}

// Release decrements chrootID's reference count and reports the new count.
// Callers must Unmount when it reaches zero.
func (r *Registry) Release(chrootID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refcount[chrootID] > 0 {
		r.refcount[chrootID]--
	}
	return r.refcount[chrootID]
}

// Mount performs the real mount syscall for rec and, on success, appends
// rec to chrootID's ordered record list.
func (r *Registry) Mount(rec Record) error {
	var err error
	switch rec.Kind {
	case Proc:
		err = unix.Mount("proc", rec.Target, "proc", 0, "")
	case Sys:
		err = unix.Mount("sysfs", rec.Target, "sysfs", 0, "")
	case Dev, Bind:
		err = unix.Mount(rec.Source, rec.Target, "", unix.MS_BIND, "")
	case Tmpfs:
		err = unix.Mount("tmpfs", rec.Target, "tmpfs", 0, "")
	case Binfmt:
		// Binfmt registration is a write to /proc/sys/fs/binfmt_misc/register,
		// handled by RegisterBinfmt; Mount only tracks the record here.
	}
	if err != nil {
		return pmberrors.Wrapf(err, pmberrors.KindSpawnFailed, "mounting %s at %s", rec.Source, rec.Target)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.ChrootID] = append(r.records[rec.ChrootID], rec)
	return nil
}

// Unmount releases every record for chrootID in reverse acquisition order,
// per spec invariant 1. It is best-effort: it keeps going after an
// individual unmount error so as not to strand the rest, but returns the
// first error encountered wrapped as MountLeak.
func (r *Registry) Unmount(chrootID string) error {
	r.mu.Lock()
	recs := r.records[chrootID]
	delete(r.records, chrootID)
	r.mu.Unlock()

	var firstErr error
	for i := len(recs) - 1; i >= 0; i-- {
		rec := recs[i]
		if rec.Kind == Binfmt {
			continue // never uninstalled; global kernel state (spec §4.4)
		}
		if err := unix.Unmount(rec.Target, 0); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return pmberrors.Wrapf(firstErr, pmberrors.KindMountLeak, "unmounting chroot %s", chrootID)
	}
	return nil
}

// Mounted reports whether chrootID currently has any live records.
func (r *Registry) Mounted(chrootID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records[chrootID]) > 0
}

// Records returns a copy of chrootID's current mount records, in
// acquisition order.
func (r *Registry) Records(chrootID string) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.records[chrootID]))
	copy(out, r.records[chrootID])
	return out
}

// AllTargets returns every target path currently tracked, across all
// chroots, used by Shutdown's reconciliation pass.
func (r *Registry) AllTargets() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]bool)
	for _, recs := range r.records {
		for _, rec := range recs {
			out[rec.Target] = true
		}
	}
	return out
}

// Shutdown reconciles the registry against live kernel mounts under
// workDir: every tracked record is unmounted, and any kernel mount under
// workDir that the registry doesn't know about (healing a prior aborted
// run) is also unmounted, walking mountinfo's order in reverse so children
// (listed after their parents) go first.
func (r *Registry) Shutdown(workDir string, mountinfo MountInfoReader) error {
	r.mu.Lock()
	chrootIDs := make([]string, 0, len(r.records))
	for id := range r.records {
		chrootIDs = append(chrootIDs, id)
	}
	r.mu.Unlock()

	var firstErr error
	for _, id := range chrootIDs {
		if err := r.Unmount(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	tracked := r.AllTargets()
	live, err := mountinfo.MountsUnder(workDir)
	if err != nil {
		return pmberrors.Wrap(err, pmberrors.KindMountLeak, "reading mountinfo")
	}
	for i := len(live) - 1; i >= 0; i-- {
		target := live[i]
		if tracked[target] {
			continue
		}
		if err := unix.Unmount(target, unix.MNT_DETACH); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("healing stray mount %s: %w", target, err)
		}
	}

	if firstErr != nil {
		return pmberrors.Wrap(firstErr, pmberrors.KindMountLeak, "shutdown reconciliation")
	}
	return nil
}
