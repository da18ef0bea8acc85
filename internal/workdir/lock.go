package workdir

import (
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	pmberrors "github.com/pmbootstrap/pmbootstrap/internal/errors"
)

// Lock is the exclusive advisory lock on <workdir>/pmbootstrap.lock (spec
// §4.8, invariant 3: "two concurrent invocations against the same work dir
// are impossible"). The holder's PID is written into the file body so a
// blocked caller's WorkdirLocked error can name who holds it.
type Lock struct {
	path string
	fd   int
}

// AcquireLock opens (creating if necessary) path and takes an exclusive
// flock on it. By default the attempt is non-blocking: a lock already held
// elsewhere returns KindWorkdirLocked immediately, naming the PID recorded
// in the file. In quiet mode the call blocks until the lock is free, the
// -q wait mode of spec §4.8.
func AcquireLock(path string, quiet bool) (*Lock, error) {
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR, 0o644)
	if err != nil {
		return nil, pmberrors.Wrapf(err, pmberrors.KindSpawnFailed, "opening lock file %s", path)
	}

	flags := unix.LOCK_EX
	if !quiet {
		flags |= unix.LOCK_NB
	}

	if err := unix.Flock(fd, flags); err != nil {
		holder := readHolderPID(fd)
		unix.Close(fd)
		if err == unix.EWOULDBLOCK {
			return nil, pmberrors.Errorf(pmberrors.KindWorkdirLocked, "work dir locked by pid %d", holder)
		}
		return nil, pmberrors.Wrapf(err, pmberrors.KindWorkdirLocked, "locking %s", path)
	}

	if err := unix.Ftruncate(fd, 0); err != nil {
		unix.Flock(fd, unix.LOCK_UN)
		unix.Close(fd)
		return nil, pmberrors.Wrapf(err, pmberrors.KindSpawnFailed, "truncating lock file %s", path)
	}
	if _, err := unix.Pwrite(fd, []byte(strconv.Itoa(os.Getpid())), 0); err != nil {
		unix.Flock(fd, unix.LOCK_UN)
		unix.Close(fd)
		return nil, pmberrors.Wrapf(err, pmberrors.KindSpawnFailed, "writing pid to lock file %s", path)
	}

	return &Lock{path: path, fd: fd}, nil
}

// readHolderPID best-effort reads whatever PID is currently recorded in
// the lock file, for the WorkdirLocked(pid) error message. A read failure
// or an unparsable body just reports pid 0 rather than failing the whole
// unlock-diagnostic path.
func readHolderPID(fd int) int {
	buf := make([]byte, 32)
	n, err := unix.Pread(fd, buf, 0)
	if err != nil || n == 0 {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(buf[:n])))
	if err != nil {
		return 0
	}
	return pid
}

// Release drops the flock and closes the file descriptor. It leaves the
// file itself on disk; the next Open truncates and rewrites it.
func (l *Lock) Release() error {
	if l == nil || l.fd == 0 {
		return nil
	}
	if err := unix.Flock(l.fd, unix.LOCK_UN); err != nil {
		unix.Close(l.fd)
		return pmberrors.Wrapf(err, pmberrors.KindSpawnFailed, "unlocking %s", l.path)
	}
	if err := unix.Close(l.fd); err != nil {
		return pmberrors.Wrapf(err, pmberrors.KindSpawnFailed, "closing lock file %s", l.path)
	}
	return nil
}

// HolderPID returns the PID currently recorded in path's lock file,
// without taking the lock, for diagnostics (e.g. a `status` verb
// reporting who holds the lock before attempting to acquire it).
func HolderPID(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, pmberrors.Wrapf(err, pmberrors.KindSpawnFailed, "reading lock file %s", path)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, pmberrors.Wrapf(err, pmberrors.KindSpawnFailed, "parsing lock file %s", path)
	}
	return pid, nil
}
