package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/apex/log"
	"github.com/fatih/color"
	"github.com/mattn/go-colorable"

	"github.com/pmbootstrap/pmbootstrap/internal/arch"
	"github.com/pmbootstrap/pmbootstrap/internal/build"
	"github.com/pmbootstrap/pmbootstrap/internal/catalog"
	"github.com/pmbootstrap/pmbootstrap/internal/chroot"
	pmberrors "github.com/pmbootstrap/pmbootstrap/internal/errors"
	"github.com/pmbootstrap/pmbootstrap/internal/mount"
	"github.com/pmbootstrap/pmbootstrap/internal/recipe"
	"github.com/pmbootstrap/pmbootstrap/internal/resolve"
	"github.com/pmbootstrap/pmbootstrap/internal/runner"
	"github.com/pmbootstrap/pmbootstrap/internal/workdir"
	"github.com/pmbootstrap/pmbootstrap/pkg/config"
)

var stdout = colorable.NewColorableStdout()

func runInit(ctx context.Context, overrides config.Config) error {
	path, err := config.Path()
	if err != nil {
		return pmberrors.Wrap(err, pmberrors.KindConfigInvalid, "resolving config path")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return pmberrors.Wrap(err, pmberrors.KindConfigInvalid, "loading config")
	}
	applyOverrides(&cfg, overrides)
	if err := config.Save(path, cfg); err != nil {
		return pmberrors.Wrap(err, pmberrors.KindConfigInvalid, "saving config")
	}

	work, err := workdir.Open(cfg.Work, false)
	if err != nil {
		return err
	}
	defer work.Close()

	keyDir := filepath.Join(cfg.Work, "config_abuild")
	keyPath := filepath.Join(keyDir, cfg.User+"@pmbootstrap.rsa")
	if _, err := os.Stat(keyPath); os.IsNotExist(err) {
		run := runner.New(log.Log, nil)
		if _, err := run.Run(ctx, runner.Invocation{
			Argv:    []string{"openssl", "genrsa", "-out", keyPath, "2048"},
			ExecCtx: runner.Host,
			Check:   true,
		}); err != nil {
			return pmberrors.Wrap(err, pmberrors.KindSpawnFailed, "generating signing key")
		}
		if _, err := run.Run(ctx, runner.Invocation{
			Argv:    []string{"openssl", "rsa", "-in", keyPath, "-pubout", "-out", keyPath + ".pub"},
			ExecCtx: runner.Host,
			Check:   true,
		}); err != nil {
			return pmberrors.Wrap(err, pmberrors.KindSpawnFailed, "deriving public signing key")
		}
	}

	fmt.Fprintf(stdout, "%s work dir ready at %s, signing key %s\n", color.GreenString("ok:"), cfg.Work, keyPath)
	return nil
}

func runBuild(ctx context.Context, overrides config.Config) error {
	rt, err := openRuntime(ctx, overrides, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	target, err := parseArch(*buildArch)
	if err != nil {
		return err
	}

	env := buildEnv(rt, target)
	visited := make(map[string]bool)

	for _, pkgname := range *buildPkgs {
		if err := buildOne(ctx, rt, env, target, pkgname, visited); err != nil {
			return err
		}
	}
	return nil
}

// buildOne builds pkgname for target, first recursively building any
// not-yet-available FromAport dependency (spec §6 build's default
// dependency-closure behavior) unless --no-depends was passed. visited
// guards against the legal runtime-depends cycles the resolver itself
// tolerates (internal/resolve's resolveOne comment).
func buildOne(ctx context.Context, rt *runtime, env *build.Env, target arch.Arch, pkgname string, visited map[string]bool) error {
	if visited[pkgname] {
		return nil
	}
	visited[pkgname] = true

	if !*buildNoDepends {
		cat := resolve.Catalog{Arch: target, Recipes: rt.recipes, Index: env.Index, BootstrapOrder: defaultBootstrapOrder}
		closure, err := resolve.Resolve(cat, []string{pkgname}, false)
		if err == nil {
			for _, a := range closure {
				if a.Source != resolve.FromAport || a.Pkgname == pkgname {
					continue
				}
				if err := buildOne(ctx, rt, env, target, a.Pkgname, visited); err != nil {
					return err
				}
			}
		}
	}

	t := build.Target{
		Pkgname:   pkgname,
		Arch:      target,
		SrcDir:    *buildSrc,
		Force:     *buildForce,
		ForceArch: !*buildStrict,
	}

	if native := rt.chroots.Get(chroot.Identity{Kind: chroot.Native}); native.State() == chroot.Mounted {
		for i := range rt.recipes {
			if rt.recipes[i].Pkgname != pkgname {
				continue
			}
			if evaluated, err := recipe.Evaluate(ctx, nativeShell{chroots: rt.chroots}, rt.recipes[i].Dir); err == nil {
				env.Recipes[i] = evaluated
			}
			break
		}
	}

	plan, err := build.Execute(ctx, env, t)
	if err != nil {
		return err
	}
	if plan.AlreadyBuilt {
		fmt.Fprintf(stdout, "%s %s already built for %s\n", color.YellowString("skip:"), pkgname, target)
		return nil
	}
	if err := rebuildLocalIndex(ctx, rt, target); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s %s for %s\n", color.GreenString("built:"), pkgname, target)
	return nil
}

func buildEnv(rt *runtime, target arch.Arch) *build.Env {
	idx, err := localIndex(rt.work.Root, target)
	if err != nil {
		idx, _ = recipe.ParseAPKINDEX(strings.NewReader(""))
	}
	recipes := rt.recipes
	return &build.Env{
		WorkDir:        rt.work.Root,
		Recipes:        recipes,
		Index:          idx,
		Chroots:        rt.chroots,
		Runner:         rt.run,
		Native:         rt.pctx.Native,
		Log:            rt.pctx.Log,
		BootstrapOrder: defaultBootstrapOrder,
		CrossAportAvailable: func(a arch.Arch) bool {
			return crossAportAvailable(recipes, a)
		},
		DistccCompatible: func(r recipe.APKBUILD) bool { return false },
	}
}

func runChroot(ctx context.Context, overrides config.Config) error {
	rt, err := openRuntime(ctx, overrides, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	target, err := parseArch(*chrootArch)
	if err != nil {
		return err
	}

	id := chroot.Identity{Kind: chroot.Buildroot, Arch: target}
	if target == rt.pctx.Native {
		id = chroot.Identity{Kind: chroot.Native}
	}

	c, err := rt.chroots.Ensure(ctx, id)
	if err != nil {
		return err
	}
	if c.State() != chroot.Mounted {
		if err := rt.chroots.Mount(ctx, c, chroot.MountOptions{AportsDir: rt.pctx.Config.Aports}); err != nil {
			return err
		}
	}

	argv := splitChrootArgv(*chrootArgv)
	if len(argv) == 0 {
		argv = []string{"/bin/sh"}
	}
	user := "pmos"
	if *chrootUser {
		user = "root"
	}

	res, err := rt.chroots.Enter(ctx, c, argv, chroot.EnterOptions{User: user, Output: runner.TeeToTerminal})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return pmberrors.Errorf(pmberrors.KindNonZeroExit, "command exited %d", res.ExitCode)
	}
	return nil
}

func runZap(ctx context.Context, overrides config.Config) error {
	rt, err := openRuntime(ctx, overrides, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	entries, err := os.ReadDir(rt.work.Root)
	if err != nil {
		return pmberrors.Wrap(err, pmberrors.KindSpawnFailed, "listing work dir")
	}

	var targetArch arch.Arch
	if *zapArch != "" {
		targetArch, err = parseArch(*zapArch)
		if err != nil {
			return err
		}
	}

	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "chroot_") {
			continue
		}
		id, ok := parseChrootDirName(e.Name())
		if !ok {
			continue
		}
		if targetArch != "" && id.Arch != targetArch {
			continue
		}

		c := rt.chroots.Get(id)
		if *zapMounts && rt.mounts.Mounted(id.ID()) {
			if err := rt.mounts.Unmount(id.ID()); err != nil {
				return err
			}
		}
		if err := rt.chroots.Zap(c, *zapCaches, *zapPackages); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s %s\n", color.GreenString("zapped:"), id.ID())
	}
	return nil
}

// parseChrootDirName recovers a chroot.Identity from a "chroot_<id>"
// directory name (the inverse of Identity.ID/Identity.Dir).
func parseChrootDirName(name string) (chroot.Identity, bool) {
	id := strings.TrimPrefix(name, "chroot_")
	switch {
	case id == "native":
		return chroot.Identity{Kind: chroot.Native}, true
	case strings.HasPrefix(id, "buildroot_"):
		return chroot.Identity{Kind: chroot.Buildroot, Arch: arch.Arch(strings.TrimPrefix(id, "buildroot_"))}, true
	case strings.HasPrefix(id, "rootfs_"):
		return chroot.Identity{Kind: chroot.Rootfs, Device: strings.TrimPrefix(id, "rootfs_")}, true
	case strings.HasPrefix(id, "installer_"):
		return chroot.Identity{Kind: chroot.Installer, Device: strings.TrimPrefix(id, "installer_")}, true
	default:
		return chroot.Identity{}, false
	}
}

func runIndex(ctx context.Context, overrides config.Config) error {
	rt, err := openRuntime(ctx, overrides, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	var archs []arch.Arch
	if *indexArch != "" {
		a, err := parseArch(*indexArch)
		if err != nil {
			return err
		}
		archs = []arch.Arch{a}
	} else {
		entries, err := os.ReadDir(filepath.Join(rt.work.Root, "packages"))
		if err == nil {
			for _, e := range entries {
				if e.IsDir() {
					archs = append(archs, arch.Arch(e.Name()))
				}
			}
		}
	}

	for _, a := range archs {
		if err := rebuildLocalIndex(ctx, rt, a); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s %s\n", color.GreenString("indexed:"), a)
	}
	return nil
}

// rebuildLocalIndex regenerates and signs packages/<arch>/APKINDEX.tar.gz
// by shelling to the real `apk index`/`abuild-sign` tools inside that
// arch's buildroot chroot (spec §6: "this specification does not
// reimplement [APKINDEX] formats").
func rebuildLocalIndex(ctx context.Context, rt *runtime, a arch.Arch) error {
	id := chroot.Identity{Kind: chroot.Buildroot, Arch: a}
	c, err := rt.chroots.Ensure(ctx, id)
	if err != nil {
		return err
	}
	if c.State() != chroot.Mounted {
		if err := rt.chroots.Mount(ctx, c, chroot.MountOptions{}); err != nil {
			return err
		}
	}

	script := "cd /mnt/pmbootstrap-packages && apk index --allow-untrusted -o APKINDEX.tar.gz.new *.apk && " +
		"mv APKINDEX.tar.gz.new APKINDEX.tar.gz && abuild-sign APKINDEX.tar.gz"
	_, err = rt.chroots.Enter(ctx, c, []string{"sh", "-c", script}, chroot.EnterOptions{User: "root"})
	return err
}

func runRepoMissing(ctx context.Context, overrides config.Config) error {
	rt, err := openRuntime(ctx, overrides, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	target, err := parseArch(*repoMissingArch)
	if err != nil {
		return err
	}
	idx, err := localIndex(rt.work.Root, target)
	if err != nil {
		return err
	}

	var missing []string
	for _, r := range rt.recipes {
		if !r.SupportsArch(target) {
			continue
		}
		if len(idx.ByName(r.Pkgname)) == 0 {
			missing = append(missing, r.Pkgname)
		}
	}
	sort.Strings(missing)
	for _, name := range missing {
		fmt.Fprintln(stdout, name)
	}
	return nil
}

func runPkgrelBump(ctx context.Context, overrides config.Config) error {
	rt, err := openRuntime(ctx, overrides, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	target, err := parseArch(*pkgrelBumpArch)
	if err != nil {
		return err
	}
	idx, err := localIndex(rt.work.Root, target)
	if err != nil {
		return err
	}

	var changed build.SonameChanged = func(pkgname string, a arch.Arch) bool { return false }
	if *pkgrelBumpAuto {
		changed = versionDriftedFromIndex(rt.recipes, idx)
	}

	results, err := build.AutoBump(rt.recipes, target, changed)
	if err != nil {
		return err
	}

	byName := make(map[string]recipe.APKBUILD, len(rt.recipes))
	for _, r := range rt.recipes {
		byName[r.Pkgname] = r
	}

	for _, res := range results {
		fmt.Fprintf(stdout, "%s %s: %d -> %d (%s)\n", color.CyanString("bump:"), res.Pkgname, res.OldRel, res.NewRel, res.Reason)
		if *pkgrelBumpDry {
			continue
		}
		r, ok := byName[res.Pkgname]
		if !ok {
			continue
		}
		if err := bumpPkgrelInFile(r.Dir, res.NewRel); err != nil {
			return err
		}
	}
	return nil
}

// versionDriftedFromIndex treats a recipe whose already-built binary
// version no longer matches its current pkgver-pkgrel as the soname-change
// trigger AutoBump needs. A true ELF SONAME diff is out of this tool's
// scope (spec §6 leaves APK/apk-tools internals unreimplemented); version
// drift is the observable proxy available from the local index alone.
func versionDriftedFromIndex(recipes []recipe.APKBUILD, idx *recipe.Index) build.SonameChanged {
	return func(pkgname string, a arch.Arch) bool {
		entries := idx.ByName(pkgname)
		if len(entries) == 0 {
			return false
		}
		for _, r := range recipes {
			if r.Pkgname != pkgname {
				continue
			}
			for _, e := range entries {
				if e.Version != r.FullVersion() {
					return true
				}
			}
		}
		return false
	}
}

func bumpPkgrelInFile(dir string, newRel int) error {
	path := filepath.Join(dir, "APKBUILD")
	raw, err := os.ReadFile(path)
	if err != nil {
		return pmberrors.Wrapf(err, pmberrors.KindSpawnFailed, "reading %s", path)
	}
	lines := strings.Split(string(raw), "\n")
	found := false
	for i, line := range lines {
		if strings.HasPrefix(line, "pkgrel=") {
			lines[i] = fmt.Sprintf("pkgrel=%d", newRel)
			found = true
			break
		}
	}
	if !found {
		return pmberrors.Errorf(pmberrors.KindConfigInvalid, "%s has no pkgrel= line", path)
	}
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644)
}

func runShutdown(ctx context.Context, overrides config.Config) error {
	rt, err := openRuntime(ctx, overrides, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.mounts.Shutdown(rt.work.Root, mount.ProcMountInfo{}); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s mounts released, lock will drop on exit\n", color.GreenString("ok:"))
	return nil
}

func runWorkMigrate(ctx context.Context, overrides config.Config) error {
	path, err := config.Path()
	if err != nil {
		return pmberrors.Wrap(err, pmberrors.KindConfigInvalid, "resolving config path")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return pmberrors.Wrap(err, pmberrors.KindConfigInvalid, "loading config")
	}
	applyOverrides(&cfg, overrides)

	work, err := workdir.Open(cfg.Work, false)
	if err != nil {
		return err
	}
	defer work.Close()

	fmt.Fprintf(stdout, "%s work dir at %s migrated to version %s\n", color.GreenString("ok:"), cfg.Work, workdir.CurrentVersion)
	return nil
}

func runStatus(ctx context.Context, overrides config.Config) error {
	path, err := config.Path()
	if err != nil {
		return pmberrors.Wrap(err, pmberrors.KindConfigInvalid, "resolving config path")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return pmberrors.Wrap(err, pmberrors.KindConfigInvalid, "loading config")
	}
	applyOverrides(&cfg, overrides)

	fmt.Fprintf(stdout, "work:   %s\n", cfg.Work)
	fmt.Fprintf(stdout, "aports: %s\n", cfg.Aports)
	fmt.Fprintf(stdout, "device: %s\n", cfg.Device)

	lockPath := filepath.Join(cfg.Work, "pmbootstrap.lock")
	if pid, err := workdir.HolderPID(lockPath); err == nil && pid != 0 {
		fmt.Fprintf(stdout, "lock:   %s held by pid %d\n", color.YellowString("busy"), pid)
	} else {
		fmt.Fprintf(stdout, "lock:   %s\n", color.GreenString("free"))
	}

	if cfg.Aports != "" {
		recipes, err := catalog.Load(cfg.Aports, log.Log)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "aports catalog: %d recipes\n", len(recipes))
	}
	return nil
}
