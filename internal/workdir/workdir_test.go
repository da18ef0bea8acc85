package workdir

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pmberrors "github.com/pmbootstrap/pmbootstrap/internal/errors"
)

func TestOpenFreshWorkdirCreatesLayoutAndVersion(t *testing.T) {
	root := t.TempDir()
	wd, err := Open(root, false)
	require.NoError(t, err)
	defer wd.Close()

	for _, sub := range topLevelDirs {
		assert.DirExists(t, filepath.Join(root, sub))
	}

	raw, err := os.ReadFile(filepath.Join(root, versionFileName))
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion.String()+"\n", string(raw))
}

func TestOpenSecondTimeWithoutClosingIsWorkdirLocked(t *testing.T) {
	root := t.TempDir()
	wd, err := Open(root, false)
	require.NoError(t, err)
	defer wd.Close()

	_, err = Open(root, false)
	require.Error(t, err)
	assert.Equal(t, pmberrors.KindWorkdirLocked, pmberrors.GetKind(err))
}

func TestOpenAfterCloseReacquiresCleanly(t *testing.T) {
	root := t.TempDir()
	wd, err := Open(root, false)
	require.NoError(t, err)
	require.NoError(t, wd.Close())

	wd2, err := Open(root, false)
	require.NoError(t, err)
	defer wd2.Close()
}

func TestLockFileRecordsOwnPID(t *testing.T) {
	root := t.TempDir()
	wd, err := Open(root, false)
	require.NoError(t, err)
	defer wd.Close()

	pid, err := HolderPID(filepath.Join(root, lockFileName))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestMigrateFromZeroRunsEveryMigrationInOrder(t *testing.T) {
	root := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(root, "native"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "packages", "edge"), 0o755))

	require.NoError(t, Migrate(root))

	assert.DirExists(t, filepath.Join(root, "chroot_native"))
	assert.NoDirExists(t, filepath.Join(root, "native"))
	assert.DirExists(t, filepath.Join(root, "packages", "master"))
	assert.NoDirExists(t, filepath.Join(root, "packages", "edge"))

	raw, err := os.ReadFile(filepath.Join(root, versionFileName))
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion.String()+"\n", string(raw))
}

func TestMigrateIsIdempotent(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, Migrate(root))
	require.NoError(t, Migrate(root))

	raw, err := os.ReadFile(filepath.Join(root, versionFileName))
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion.String()+"\n", string(raw))
}

func TestMigrateFutureVersionIsFatal(t *testing.T) {
	root := t.TempDir()
	future := "9999.0.0"
	require.NoError(t, os.WriteFile(filepath.Join(root, versionFileName), []byte(future+"\n"), 0o644))

	err := Migrate(root)
	require.Error(t, err)
	assert.Equal(t, pmberrors.KindWorkdirFromFuture, pmberrors.GetKind(err))
}

func TestDirPathHelpers(t *testing.T) {
	root := t.TempDir()
	wd, err := Open(root, false)
	require.NoError(t, err)
	defer wd.Close()

	assert.Equal(t, filepath.Join(root, "chroot_buildroot_armhf"), wd.ChrootDir("buildroot_armhf"))
	assert.Equal(t, filepath.Join(root, "cache_apk_armhf"), wd.CacheApkDir("armhf"))
	assert.Equal(t, filepath.Join(root, "cache_git", "pmaports"), wd.CacheGitDir("pmaports"))
	assert.Equal(t, filepath.Join(root, "packages", "armhf"), wd.PackagesDir("armhf"))
}
