package workdir

import (
	"os"
	"path/filepath"

	"github.com/Masterminds/semver"

	pmberrors "github.com/pmbootstrap/pmbootstrap/internal/errors"
)

// Migration is one ordered, idempotent step in the work-dir schema's
// history (spec §4.8). TargetVersion is the version the work dir is at
// once Apply has run; Migrate walks the list in order, skipping any whose
// TargetVersion is not newer than the on-disk version.
type Migration struct {
	TargetVersion *semver.Version
	Description   string
	Apply         func(root string) error
}

// migrations is the full ordered history. Each entry's Apply must be safe
// to run against a work dir already at or past TargetVersion (Migrate
// never calls it in that case, but Apply is written defensively anyway,
// since work_migrate can be invoked by hand).
var migrations = []Migration{
	{
		TargetVersion: mustVersion("2.0.0"),
		Description:   "move the legacy native chroot tree to chroot_native",
		Apply:         migrateRelocateChrootNative,
	},
	{
		TargetVersion: mustVersion("3.0.0"),
		Description:   "rename packages/edge to packages/master",
		Apply:         migrateRenameEdgeToMaster,
	},
}

// Migrate brings root forward from its on-disk version to CurrentVersion,
// applying every migration whose TargetVersion is newer, in order, then
// recording the new version. An on-disk version newer than CurrentVersion
// is a fatal WorkdirFromFuture (spec §4.8): this build is too old to
// understand the layout it finds.
func Migrate(root string) error {
	on, err := readVersion(root)
	if err != nil {
		return err
	}

	if on.GreaterThan(CurrentVersion) {
		return pmberrors.Errorf(pmberrors.KindWorkdirFromFuture, "work dir at version %s, this build understands up to %s", on, CurrentVersion)
	}

	for _, m := range migrations {
		if !m.TargetVersion.GreaterThan(on) {
			continue
		}
		if err := m.Apply(root); err != nil {
			return pmberrors.Wrapf(err, pmberrors.KindSpawnFailed, "migration %q", m.Description)
		}
		on = m.TargetVersion
		if err := writeVersion(root, on); err != nil {
			return pmberrors.Wrapf(err, pmberrors.KindSpawnFailed, "recording version %s after migration %q", on, m.Description)
		}
	}

	if on.Equal(CurrentVersion) {
		return nil
	}
	return writeVersion(root, CurrentVersion)
}

// migrateRelocateChrootNative is idempotent: it only moves the legacy
// native/ tree to chroot_native/ when native/ is present and
// chroot_native/ is not.
func migrateRelocateChrootNative(root string) error {
	legacy := filepath.Join(root, "native")
	dest := filepath.Join(root, "chroot_native")
	if _, err := os.Stat(legacy); os.IsNotExist(err) {
		return nil
	}
	if _, err := os.Stat(dest); err == nil {
		return nil
	}
	return os.Rename(legacy, dest)
}

// migrateRenameEdgeToMaster is idempotent for the same reason.
func migrateRenameEdgeToMaster(root string) error {
	legacy := filepath.Join(root, "packages", "edge")
	dest := filepath.Join(root, "packages", "master")
	if _, err := os.Stat(legacy); os.IsNotExist(err) {
		return nil
	}
	if _, err := os.Stat(dest); err == nil {
		return nil
	}
	return os.Rename(legacy, dest)
}
