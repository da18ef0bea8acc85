// Package workdir implements the work directory of spec §4.8: the on-disk
// layout (chroot trees, per-arch apk cache, the git cache, the local
// package repository, the schema version marker) plus its exclusive lock
// and forward-migration machinery. The schema version is a real
// github.com/Masterminds/semver.Version, the one versioning library in the
// teacher's dependency graph, rather than a bare integer, so migrations can
// be declared as ordered (TargetVersion, Apply) records compared with its
// own operators.
package workdir

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/Masterminds/semver"

	pmberrors "github.com/pmbootstrap/pmbootstrap/internal/errors"
)

// CurrentVersion is the schema version this build of pmbootstrap expects.
// Bump it, and append a Migration to migrate.go, whenever the on-disk
// layout changes in a way existing work dirs need to catch up to.
var CurrentVersion = mustVersion("3.0.0")

// mustVersion parses a literal version string known at compile time to be
// well-formed; it panics otherwise, the same "can't happen" contract as
// regexp.MustCompile for a hardcoded pattern.
func mustVersion(raw string) *semver.Version {
	v, err := semver.NewVersion(raw)
	if err != nil {
		panic(fmt.Sprintf("workdir: invalid built-in version %q: %v", raw, err))
	}
	return v
}

const versionFileName = "version"
const lockFileName = "pmbootstrap.lock"

// Dir wraps one work directory root, opened and migrated.
type Dir struct {
	Root string
	Lock *Lock
}

// topLevelDirs are the directories Open ensures exist under Root, beyond
// the per-arch/per-device ones chroot/mirror create lazily on demand.
var topLevelDirs = []string{"cache_git", "packages", "config_abuild"}

// Open prepares root as a work directory: creates it and its fixed
// subdirectories if absent, runs any pending migrations, and acquires the
// exclusive lock. quiet selects the -q blocking wait mode; non-blocking
// (spec default) returns WorkdirLocked immediately if another process
// holds it.
func Open(root string, quiet bool) (*Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, pmberrors.Wrapf(err, pmberrors.KindSpawnFailed, "creating work dir %s", root)
	}
	for _, sub := range topLevelDirs {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, pmberrors.Wrapf(err, pmberrors.KindSpawnFailed, "creating %s", sub)
		}
	}

	lock, err := AcquireLock(filepath.Join(root, lockFileName), quiet)
	if err != nil {
		return nil, err
	}

	if err := Migrate(root); err != nil {
		lock.Release()
		return nil, err
	}

	return &Dir{Root: root, Lock: lock}, nil
}

// Close releases the work dir's lock. It does not touch mounts; the mount
// registry's own Shutdown is responsible for those (spec §4.4), and is
// expected to run, with the lock still held, before Close.
func (d *Dir) Close() error {
	return d.Lock.Release()
}

// ChrootDir returns the on-disk directory for one chroot id (e.g.
// "native", "buildroot_armhf"), matching internal/chroot's Identity.Dir.
func (d *Dir) ChrootDir(id string) string {
	return filepath.Join(d.Root, "chroot_"+id)
}

// CacheApkDir returns the per-architecture apk cache directory.
func (d *Dir) CacheApkDir(a string) string {
	return filepath.Join(d.Root, fmt.Sprintf("cache_apk_%s", a))
}

// CacheGitDir returns the clone directory for one aports tree name.
func (d *Dir) CacheGitDir(name string) string {
	return filepath.Join(d.Root, "cache_git", name)
}

// PackagesDir returns the local repository directory for one architecture,
// the one that holds APKINDEX.tar.gz and the built *.apk files.
func (d *Dir) PackagesDir(a string) string {
	return filepath.Join(d.Root, "packages", a)
}

// readVersion returns root's on-disk schema version, or the zero version
// ("0.0.0") if the version file doesn't exist yet (a brand-new work dir).
func readVersion(root string) (*semver.Version, error) {
	raw, err := os.ReadFile(filepath.Join(root, versionFileName))
	if os.IsNotExist(err) {
		return mustVersion("0.0.0"), nil
	}
	if err != nil {
		return nil, pmberrors.Wrapf(err, pmberrors.KindSpawnFailed, "reading work dir version")
	}
	v, err := semver.NewVersion(trimNewline(string(raw)))
	if err != nil {
		return nil, pmberrors.Wrapf(err, pmberrors.KindWorkdirFromFuture, "parsing work dir version %q", raw)
	}
	return v, nil
}

// writeVersion persists v as root's on-disk schema version.
func writeVersion(root string, v *semver.Version) error {
	return os.WriteFile(filepath.Join(root, versionFileName), []byte(v.String()+"\n"), 0o644)
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
