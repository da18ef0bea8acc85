package main

import (
	"bytes"
	"context"
	"os"
	"strings"

	"github.com/pmbootstrap/pmbootstrap/internal/arch"
	"github.com/pmbootstrap/pmbootstrap/internal/catalog"
	"github.com/pmbootstrap/pmbootstrap/internal/chroot"
	pmberrors "github.com/pmbootstrap/pmbootstrap/internal/errors"
	"github.com/pmbootstrap/pmbootstrap/internal/mirror"
	"github.com/pmbootstrap/pmbootstrap/internal/mount"
	"github.com/pmbootstrap/pmbootstrap/internal/recipe"
	"github.com/pmbootstrap/pmbootstrap/internal/runner"
	"github.com/pmbootstrap/pmbootstrap/internal/workdir"
	"github.com/pmbootstrap/pmbootstrap/pkg/config"
	"github.com/pmbootstrap/pmbootstrap/pkg/pmbctx"
)

// pinnedApkStatic names the GitHub release asset Manager.BootstrapFetcher
// resolves apk.static from, one per architecture. The table is compiled
// in: the config file has no setting for it and `init` does not write it.
var pinnedApkStatic = map[arch.Arch]mirror.PinnedAsset{
	arch.X86_64:  {Owner: "alpinelinux", Repo: "apk-tools", Tag: "v2.14.0", AssetName: "apk.static-x86_64", SHA256: ""},
	arch.Aarch64: {Owner: "alpinelinux", Repo: "apk-tools", Tag: "v2.14.0", AssetName: "apk.static-aarch64", SHA256: ""},
	arch.Armhf:   {Owner: "alpinelinux", Repo: "apk-tools", Tag: "v2.14.0", AssetName: "apk.static-armhf", SHA256: ""},
	arch.Armv7:   {Owner: "alpinelinux", Repo: "apk-tools", Tag: "v2.14.0", AssetName: "apk.static-armv7", SHA256: ""},
	arch.X86:     {Owner: "alpinelinux", Repo: "apk-tools", Tag: "v2.14.0", AssetName: "apk.static-x86", SHA256: ""},
	arch.Riscv64: {Owner: "alpinelinux", Repo: "apk-tools", Tag: "v2.14.0", AssetName: "apk.static-riscv64", SHA256: ""},
	arch.Ppc64le: {Owner: "alpinelinux", Repo: "apk-tools", Tag: "v2.14.0", AssetName: "apk.static-ppc64le", SHA256: ""},
	arch.S390x:   {Owner: "alpinelinux", Repo: "apk-tools", Tag: "v2.14.0", AssetName: "apk.static-s390x", SHA256: ""},
}

// defaultBootstrapOrder names the one makedepends cycle Alpine's own
// toolchain recipes require a fixed resolution order for (spec §4.6).
var defaultBootstrapOrder = map[string][]string{
	"gcc": {"gcc-pass2", "gcc"},
}

// runtime bundles every long-lived component one invocation wires
// together: the work directory lock, the mount registry, the command
// runner, the chroot manager, and the mirror fetcher, plus the aports
// catalog loaded from disk.
type runtime struct {
	pctx    *pmbctx.Context
	work    *workdir.Dir
	mounts  *mount.Registry
	run     *runner.Runner
	chroots *chroot.Manager
	fetcher *mirror.Fetcher
	recipes []recipe.APKBUILD
}

// openRuntime loads configuration (merging any command-line overrides),
// opens and locks the work directory, and wires every component together.
// requireLock=true makes a work dir locked by another process fatal
// (WorkdirLocked); false waits for the lock instead (workdir.Open's quiet
// mode). Every verb passes true; status does not call openRuntime.
func openRuntime(ctx context.Context, overrides config.Config, requireLock bool) (*runtime, error) {
	cfgPath, err := config.Path()
	if err != nil {
		return nil, pmberrors.Wrap(err, pmberrors.KindConfigInvalid, "resolving config path")
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, pmberrors.Wrap(err, pmberrors.KindConfigInvalid, "loading config")
	}
	applyOverrides(&cfg, overrides)

	pctx, err := pmbctx.New(ctx, cfg)
	if err != nil {
		return nil, pmberrors.Wrap(err, pmberrors.KindConfigInvalid, "detecting host architecture")
	}

	work, err := workdir.Open(cfg.Work, !requireLock)
	if err != nil {
		return nil, err
	}

	mounts := mount.New()
	run := runner.New(pctx.Log, mounts)
	mirrors := append([]string{cfg.MirrorAlpine}, cfg.MirrorsPostmarketOS...)
	chroots := chroot.NewManager(work.Root, mounts, run, pctx.Native, mirrors)

	gh := mirror.NewGitHubReleaseFetcher(ctx, os.Getenv("GITHUB_TOKEN"), pinnedApkStatic)
	chroots.BootstrapFetcher = gh.Fetch

	var recipes []recipe.APKBUILD
	if cfg.Aports != "" {
		recipes, err = catalog.Load(cfg.Aports, pctx.Log)
		if err != nil {
			work.Close()
			return nil, err
		}
	}

	return &runtime{
		pctx:    pctx,
		work:    work,
		mounts:  mounts,
		run:     run,
		chroots: chroots,
		fetcher: &mirror.Fetcher{Mirrors: mirrors},
		recipes: recipes,
	}, nil
}

func (rt *runtime) Close() error {
	return rt.work.Close()
}

// applyOverrides merges the non-zero fields of cli (built from flags) over
// cfg, the same shallow "last writer wins" shape mergo.Merge gives the
// teacher's own config defaulting.
func applyOverrides(cfg *config.Config, cli config.Config) {
	if cli.Work != "" {
		cfg.Work = cli.Work
	}
	if cli.Aports != "" {
		cfg.Aports = cli.Aports
	}
	if cli.Jobs > 0 {
		cfg.Jobs = cli.Jobs
	}
}

// localIndex loads the on-disk packages/<arch>/APKINDEX.tar.gz for target,
// or an empty index if the repository has never been built for target.
func localIndex(workDir string, target arch.Arch) (*recipe.Index, error) {
	path := workDir + "/packages/" + string(target) + "/APKINDEX.tar.gz"
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return recipe.ParseAPKINDEX(strings.NewReader(""))
		}
		return nil, pmberrors.Wrap(err, pmberrors.KindIndexCorrupt, "reading local repository index")
	}
	return recipe.ReadSignedArchive(bytes.NewReader(raw))
}

// crossAportAvailable reports whether gcc-<arch>/binutils-<arch>/
// musl-dev-<arch> are all present in the catalog, the precondition for
// build.Env.CrossAportAvailable (spec §4.5 step 5).
func crossAportAvailable(recipes []recipe.APKBUILD, target arch.Arch) bool {
	need := []string{"gcc-" + string(target), "binutils-" + string(target), "musl-dev-" + string(target)}
	for _, n := range need {
		found := false
		for _, r := range recipes {
			if r.ProvidesName(n) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
