// Command pmbootstrap plans and builds Alpine-style APK packages and
// bootable rootfs/installer images across architectures, via a chroot
// build environment it creates and manages itself (spec §1-§9).
package main

import (
	"context"
	"os"
	"strings"

	"github.com/apex/log"
	logcli "github.com/apex/log/handlers/cli"
	"github.com/caarlos0/ctrlc"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/pmbootstrap/pmbootstrap/internal/arch"
	pmberrors "github.com/pmbootstrap/pmbootstrap/internal/errors"
	"github.com/pmbootstrap/pmbootstrap/pkg/config"
)

var (
	app = kingpin.New("pmbootstrap", "Plan and build Alpine-style packages and bootable images across architectures.")

	flagWork   = app.Flag("work", "override the configured work directory").String()
	flagAports = app.Flag("aports", "override the configured aports checkout path").String()
	flagJobs   = app.Flag("jobs", "override the configured -j parallelism").Int()
	flagDebug  = app.Flag("debug", "enable verbose logging").Bool()

	initCmd = app.Command("init", "interactive config; create signing key; prepare the work dir")

	buildCmd       = app.Command("build", "plan and build one or more packages")
	buildArch      = buildCmd.Flag("arch", "target architecture").Default(string(arch.X86_64)).String()
	buildSrc       = buildCmd.Flag("src", "override source directory for local iteration").String()
	buildForce     = buildCmd.Flag("force", "rebuild even if the local repository already has this version").Bool()
	buildStrict    = buildCmd.Flag("strict", "treat an arch mismatch as fatal rather than forcing it").Bool()
	buildNoDepends = buildCmd.Flag("no-depends", "build only the named packages, skipping their dependency closure").Bool()
	buildPkgs      = buildCmd.Arg("pkgname", "package(s) to build").Required().Strings()

	chrootCmd  = app.Command("chroot", "enter a chroot and run a command")
	chrootArch = chrootCmd.Flag("backend", "chroot architecture").Short('b').Default(string(arch.X86_64)).String()
	chrootUser = chrootCmd.Flag("user", "enter as root instead of the unprivileged build user").Bool()
	chrootArgv = chrootCmd.Arg("cmd", "command and arguments to run (after --)").Strings()

	zapCmd          = app.Command("zap", "destroy chroots")
	zapArch         = zapCmd.Flag("arch", "limit to one architecture's buildroot").String()
	zapPackages     = zapCmd.Flag("packages", "also purge the local package repository").Short('p').Bool()
	zapMounts       = zapCmd.Flag("mounts", "force-unmount first if the chroot is still mounted").Short('m').Bool()
	zapCaches       = zapCmd.Flag("caches", "also purge the apk/git caches").Short('o').Bool()

	indexCmd  = app.Command("index", "regenerate local repository indexes")
	indexArch = indexCmd.Flag("arch", "limit to one architecture").String()

	repoMissingCmd  = app.Command("repo_missing", "list aports with no matching binary in the local repository")
	repoMissingArch = repoMissingCmd.Flag("arch", "architecture to check").Default(string(arch.X86_64)).String()

	pkgrelBumpCmd  = app.Command("pkgrel_bump", "bump pkgrel for packages made outdated by a soname change")
	pkgrelBumpAuto = pkgrelBumpCmd.Flag("auto", "auto-detect soname changes and bump the transitive closure").Bool()
	pkgrelBumpDry  = pkgrelBumpCmd.Flag("dry", "print planned bumps without writing them").Bool()
	pkgrelBumpArch = pkgrelBumpCmd.Flag("arch", "architecture to check").Default(string(arch.X86_64)).String()

	shutdownCmd = app.Command("shutdown", "release all mounts and drop the work dir lock")

	workMigrateCmd = app.Command("work_migrate", "run pending work-dir migrations")

	statusCmd = app.Command("status", "print health/config summary")
)

func main() {
	cmdline := kingpin.MustParse(app.Parse(os.Args[1:]))

	if *flagDebug {
		log.SetLevel(log.DebugLevel)
	}
	log.SetHandler(logcli.Default)

	overrides := config.Config{Work: *flagWork, Aports: *flagAports, Jobs: *flagJobs}

	err := runGraceful(context.Background(), func(ctx context.Context) error {
		return dispatch(ctx, cmdline, overrides)
	})
	if err != nil {
		log.WithError(err).Error("pmbootstrap: failed")
		os.Exit(exitCodeFor(err))
	}
}

// runGraceful wraps fn's context so the first SIGINT/SIGTERM cancels it
// and the command returns cleanly rather than being torn down mid mount
// sequence; the command runner's own per-invocation GraceWindow handles
// escalating a still-running child to SIGKILL (spec §5).
func runGraceful(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	return ctrlc.Default.Run(ctx, func() error {
		return fn(ctx)
	})
}

// exitCodeFor maps an error to the process exit code of spec §6.
func exitCodeFor(err error) int {
	if err == context.Canceled {
		return 130
	}
	return pmberrors.GetKind(err).ExitCode()
}

func dispatch(ctx context.Context, cmdline string, overrides config.Config) error {
	switch cmdline {
	case initCmd.FullCommand():
		return runInit(ctx, overrides)
	case buildCmd.FullCommand():
		return runBuild(ctx, overrides)
	case chrootCmd.FullCommand():
		return runChroot(ctx, overrides)
	case zapCmd.FullCommand():
		return runZap(ctx, overrides)
	case indexCmd.FullCommand():
		return runIndex(ctx, overrides)
	case repoMissingCmd.FullCommand():
		return runRepoMissing(ctx, overrides)
	case pkgrelBumpCmd.FullCommand():
		return runPkgrelBump(ctx, overrides)
	case shutdownCmd.FullCommand():
		return runShutdown(ctx, overrides)
	case workMigrateCmd.FullCommand():
		return runWorkMigrate(ctx, overrides)
	case statusCmd.FullCommand():
		return runStatus(ctx, overrides)
	default:
		return pmberrors.Errorf(pmberrors.KindUsageError, "unknown verb %q", cmdline)
	}
}

// splitChrootArgv separates the `-- <cmd>` tail kingpin hands back as one
// flat Arg list (kingpin itself consumes the literal "--" separator).
func splitChrootArgv(argv []string) []string {
	out := make([]string, 0, len(argv))
	for _, a := range argv {
		if a == "--" {
			continue
		}
		out = append(out, a)
	}
	return out
}

func parseArch(raw string) (arch.Arch, error) {
	a := arch.Arch(strings.TrimSpace(raw))
	if !a.Valid() {
		return "", pmberrors.Errorf(pmberrors.KindUnsupportedArch, "unknown architecture %q", raw)
	}
	return a, nil
}
