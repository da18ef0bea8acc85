package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmbootstrap/pmbootstrap/internal/arch"
	"github.com/pmbootstrap/pmbootstrap/internal/build"
	"github.com/pmbootstrap/pmbootstrap/internal/chroot"
	pmberrors "github.com/pmbootstrap/pmbootstrap/internal/errors"
	"github.com/pmbootstrap/pmbootstrap/internal/recipe"
	"github.com/pmbootstrap/pmbootstrap/pkg/config"
)

func TestExitCodeForMapsKinds(t *testing.T) {
	assert.Equal(t, 130, exitCodeFor(context.Canceled))
	assert.Equal(t, 2, exitCodeFor(pmberrors.New(pmberrors.KindUsageError, "bad flag")))
	assert.Equal(t, 1, exitCodeFor(pmberrors.New(pmberrors.KindBuildFailed, "boom")))
	assert.Equal(t, 1, exitCodeFor(errors.New("not a pmbootstrap error")))
}

func TestSplitChrootArgvStripsSeparator(t *testing.T) {
	assert.Equal(t, []string{"abuild", "-r"}, splitChrootArgv([]string{"--", "abuild", "-r"}))
	assert.Equal(t, []string{"sh"}, splitChrootArgv([]string{"sh"}))
	assert.Equal(t, []string{}, splitChrootArgv(nil))
}

func TestParseArchRejectsUnknown(t *testing.T) {
	a, err := parseArch("x86_64")
	require.NoError(t, err)
	assert.Equal(t, arch.X86_64, a)

	_, err = parseArch("made-up-arch")
	require.Error(t, err)
	assert.Equal(t, pmberrors.KindUnsupportedArch, pmberrors.GetKind(err))
}

func TestParseChrootDirNameRoundTripsEveryKind(t *testing.T) {
	cases := []chroot.Identity{
		{Kind: chroot.Native},
		{Kind: chroot.Buildroot, Arch: arch.Aarch64},
		{Kind: chroot.Rootfs, Device: "pine64-pinephone"},
		{Kind: chroot.Installer, Device: "pine64-pinephone"},
	}
	for _, want := range cases {
		name := "chroot_" + want.ID()
		got, ok := parseChrootDirName(name)
		require.True(t, ok, name)
		assert.Equal(t, want, got)
	}
}

func TestParseChrootDirNameRejectsUnknownShape(t *testing.T) {
	_, ok := parseChrootDirName("chroot_something_else")
	assert.False(t, ok)
}

func TestApplyOverridesOnlyMergesNonZeroFields(t *testing.T) {
	cfg := config.Config{Work: "/default/work", Aports: "/default/aports", Jobs: 4}
	applyOverrides(&cfg, config.Config{Jobs: 8})
	assert.Equal(t, "/default/work", cfg.Work)
	assert.Equal(t, "/default/aports", cfg.Aports)
	assert.Equal(t, 8, cfg.Jobs)

	applyOverrides(&cfg, config.Config{Work: "/override/work"})
	assert.Equal(t, "/override/work", cfg.Work)
}

func TestCrossAportAvailableRequiresAllThree(t *testing.T) {
	recipes := []recipe.APKBUILD{
		{Pkgname: "gcc-aarch64"},
		{Pkgname: "binutils-aarch64"},
	}
	assert.False(t, crossAportAvailable(recipes, arch.Aarch64))

	recipes = append(recipes, recipe.APKBUILD{Pkgname: "musl-dev-aarch64"})
	assert.True(t, crossAportAvailable(recipes, arch.Aarch64))
}

func TestVersionDriftedFromIndexFlagsMismatchOnly(t *testing.T) {
	raw := "P:foo\nV:1.0.0-r0\n\n"
	parsed, err := recipe.ParseAPKINDEX(strings.NewReader(raw))
	require.NoError(t, err)

	recipes := []recipe.APKBUILD{{Pkgname: "foo", Pkgver: "1.0.0", Pkgrel: 0}}
	changed := versionDriftedFromIndex(recipes, parsed)
	assert.False(t, changed("foo", arch.X86_64))

	recipes[0].Pkgrel = 1
	changed = versionDriftedFromIndex(recipes, parsed)
	assert.True(t, changed("foo", arch.X86_64))

	assert.False(t, changed("no-such-pkg", arch.X86_64))
}

func TestBumpPkgrelInFileRewritesOnlyThatLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "APKBUILD")
	require.NoError(t, os.WriteFile(path, []byte("pkgname=foo\npkgver=1.0.0\npkgrel=0\narch=\"all\"\n"), 0o644))

	require.NoError(t, bumpPkgrelInFile(dir, 3))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "pkgrel=3")
	assert.Contains(t, string(raw), "pkgname=foo")
}

func TestBumpPkgrelInFileRequiresExistingPkgrelLine(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "APKBUILD"), []byte("pkgname=foo\n"), 0o644))

	err := bumpPkgrelInFile(dir, 1)
	require.Error(t, err)
	assert.Equal(t, pmberrors.KindConfigInvalid, pmberrors.GetKind(err))
}

var _ build.SonameChanged = versionDriftedFromIndex(nil, nil)
