// Package build implements the build planner & executor of spec §4.5: the
// ten-step algorithm that turns a (pkgname, arch) target into a built and
// committed APK, or a contaminated chroot and a BuildFailed error naming
// the step. Its stage-list control flow is modeled directly on
// internal/pipe/alpine/alpine.go's (Pipe).Run(ctx): a list of named steps,
// each able to return pipe.Skip to mean "nothing to do here" or a hard
// error that aborts the whole plan.
package build

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apex/log"

	"github.com/pmbootstrap/pmbootstrap/internal/arch"
	"github.com/pmbootstrap/pmbootstrap/internal/artifact"
	"github.com/pmbootstrap/pmbootstrap/internal/chroot"
	pmberrors "github.com/pmbootstrap/pmbootstrap/internal/errors"
	"github.com/pmbootstrap/pmbootstrap/internal/pipe"
	"github.com/pmbootstrap/pmbootstrap/internal/recipe"
	"github.com/pmbootstrap/pmbootstrap/internal/resolve"
	"github.com/pmbootstrap/pmbootstrap/internal/runner"
)

// Target names one build request: a package in a recipe set, for one arch.
type Target struct {
	Pkgname   string
	Arch      arch.Arch
	SrcDir    string // non-empty when --src was passed
	Force     bool
	ForceArch bool
}

// Plan carries one target's working state across the ten steps.
type Plan struct {
	Target   Target
	Recipe   recipe.APKBUILD
	Strategy Strategy
	Closure  []resolve.Assignment
	Chroot   *chroot.Chroot
	Fingerprint string
	AlreadyBuilt bool

	Artifacts *artifact.Artifacts
}

// Env is everything a plan's steps need: the recipe catalog, the chroot
// manager, the resolver catalog, and the local repository paths, exactly
// the dependency set the teacher's Pipe.Run(ctx) closes over via *context.Context.
type Env struct {
	WorkDir     string
	Recipes     []recipe.APKBUILD
	Index       *recipe.Index
	Chroots     *chroot.Manager
	Runner      *runner.Runner
	Native      arch.Arch
	Log         log.Interface
	BootstrapOrder map[string][]string

	// CrossAportAvailable reports whether gcc-<arch>/binutils-<arch>/
	// musl-dev-<arch> are all present, for strategy selection step 5.
	CrossAportAvailable func(target arch.Arch) bool
	// DistccCompatible reports whether the recipe opts in to distcc+qemu.
	DistccCompatible func(r recipe.APKBUILD) bool
}

// step is one named stage of the ten-step algorithm (spec §4.5).
// buildPhase marks the steps from chroot preparation onward: spec §4.5
// step 10 ("the chroot is left mounted but marked contaminated... a
// BuildFailed error naming the step") describes failures once a chroot
// is actually in play. Earlier steps (recipe lookup, arch validation,
// the freshness check, dependency resolution, strategy selection) raise
// their own distinct error kinds (NoSuchAport, UnsupportedArch, a
// resolver Conflict, ...) unwrapped, since no chroot exists yet to
// contaminate.
type step struct {
	name       string
	buildPhase bool
	run        func(ctx context.Context, env *Env, p *Plan) error
}

// Execute runs every step of the ten-step algorithm in order, mirroring
// the teacher's (Pipe).Run(ctx) loop: a step returning pipe.IsSkip stops
// the plan successfully (e.g. "already built").
func Execute(ctx context.Context, env *Env, target Target) (*Plan, error) {
	p := &Plan{Target: target, Artifacts: artifact.New()}

	steps := []step{
		{"recipe_lookup", false, stepRecipeLookup},
		{"arch_validation", false, stepArchValidation},
		{"freshness_check", false, stepFreshnessCheck},
		{"dependency_closure", false, stepDependencyClosure},
		{"strategy_selection", false, stepStrategySelection},
		{"chroot_preparation", true, stepChrootPreparation},
		{"source_staging", true, stepSourceStaging},
		{"build_invocation", true, stepBuildInvocation},
		{"commit", true, stepCommit},
	}

	for _, s := range steps {
		err := s.run(ctx, env, p)
		if err == nil {
			continue
		}
		if pipe.IsSkip(err) {
			env.logger().WithField("step", s.name).Info("build: skipped")
			return p, nil
		}
		if !s.buildPhase {
			return p, err
		}
		if p.Chroot != nil {
			p.Chroot.MarkContaminated()
			env.logger().WithFields(log.Fields{"step": s.name, "chroot": p.Chroot.Identity.ID()}).Warn("build: marking chroot contaminated")
		}
		return p, pmberrors.Wrapf(err, pmberrors.KindBuildFailed, "build step %q failed", s.name)
	}

	return p, nil
}

func (e *Env) logger() log.Interface {
	if e.Log != nil {
		return e.Log
	}
	return log.Log
}

// stepRecipeLookup is spec §4.5 step 1.
func stepRecipeLookup(_ context.Context, env *Env, p *Plan) error {
	for _, r := range env.Recipes {
		if r.ProvidesName(p.Target.Pkgname) {
			p.Recipe = r
			return nil
		}
	}
	return pmberrors.Errorf(pmberrors.KindNoSuchAport, "no aport provides %q", p.Target.Pkgname)
}

// stepArchValidation is spec §4.5 step 2.
func stepArchValidation(_ context.Context, _ *Env, p *Plan) error {
	if p.Recipe.SupportsArch(p.Target.Arch) || p.Target.ForceArch {
		return nil
	}
	return pmberrors.Errorf(pmberrors.KindUnsupportedArch, "%s does not support %s", p.Recipe.Pkgname, p.Target.Arch)
}

// stepFreshnessCheck is spec §4.5 step 3: compute the fingerprint and
// check the local repository for an already-acceptable build.
func stepFreshnessCheck(_ context.Context, env *Env, p *Plan) error {
	p.Fingerprint = fingerprint(p.Recipe, p.Target.SrcDir)

	if p.Target.Force {
		return nil
	}
	for _, e := range env.Index.ByName(p.Recipe.Pkgname) {
		if e.Version == p.Recipe.FullVersion() && e.Arch == string(p.Target.Arch) {
			p.AlreadyBuilt = true
			return pipe.Skip(fmt.Sprintf("%s %s already built for %s", p.Recipe.Pkgname, e.Version, p.Target.Arch))
		}
	}
	return nil
}

// fingerprint hashes the recipe's pkgver-pkgrel, each source URL with its
// recorded SHA-512, and, when --src is in use, the source directory's path
// (spec §4.5 step 3). The directory's contents are not hashed.
func fingerprint(r recipe.APKBUILD, srcDir string) string {
	h := sha512.New()
	h.Write([]byte(r.FullVersion()))
	for _, s := range r.Sources {
		h.Write([]byte(s.URL))
		h.Write([]byte(s.SHA512))
	}
	if srcDir != "" {
		h.Write([]byte(srcDir))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// stepDependencyClosure is spec §4.5 step 4.
func stepDependencyClosure(_ context.Context, env *Env, p *Plan) error {
	catalog := resolve.Catalog{
		Arch:           p.Target.Arch,
		Recipes:        env.Recipes,
		Index:          env.Index,
		BootstrapOrder: env.BootstrapOrder,
	}

	roots := append(append([]string{}, p.Recipe.Depends...), p.Recipe.MakeDepends...)
	closure, err := resolve.Resolve(catalog, roots, len(p.Recipe.MakeDepends) > 0)
	if err != nil {
		return err
	}
	p.Closure = closure
	return nil
}

// stepStrategySelection is spec §4.5 step 5, implemented in strategy.go.
func stepStrategySelection(_ context.Context, env *Env, p *Plan) error {
	p.Strategy = SelectStrategy(env, p.Recipe, p.Target.Arch)
	return nil
}

// stepChrootPreparation is spec §4.5 step 6: ensure the buildroot is
// mounted, zapping first if contaminated.
func stepChrootPreparation(ctx context.Context, env *Env, p *Plan) error {
	id := chroot.Identity{Kind: chroot.Buildroot, Arch: p.Target.Arch}
	c := env.Chroots.Get(id)

	if c.State() == chroot.Contaminated {
		if env.Chroots.Mounts.Mounted(id.ID()) {
			if err := env.Chroots.Unmount(c); err != nil {
				return err
			}
		}
		if err := env.Chroots.Zap(c, false, false); err != nil {
			return err
		}
	}

	c, err := env.Chroots.Ensure(ctx, id)
	if err != nil {
		return err
	}

	if c.State() != chroot.Mounted {
		if err := env.Chroots.Mount(ctx, c, chroot.MountOptions{}); err != nil {
			return err
		}
	}

	p.Chroot = c
	return nil
}

// stepSourceStaging is spec §4.5 step 7.
func stepSourceStaging(ctx context.Context, env *Env, p *Plan) error {
	if p.Target.SrcDir == "" {
		return nil // builder fetches + verifies sources itself
	}
	dest := filepath.Join(p.Chroot.Identity.Dir(env.WorkDir), "home", "pmos", "src-override")
	_, err := env.Runner.Run(ctx, runner.Invocation{
		Argv:    []string{"mount", "--bind", p.Target.SrcDir, dest},
		ExecCtx: runner.Host,
		AsRoot:  true,
		Check:   true,
	})
	return err
}

// stepBuildInvocation is spec §4.5 step 8: run the package builder inside
// the chroot as the unprivileged user, with the strategy's env overlay.
func stepBuildInvocation(ctx context.Context, env *Env, p *Plan) error {
	_, err := env.Chroots.Enter(ctx, p.Chroot, []string{"abuild", "-r"}, chroot.EnterOptions{
		User: "pmos",
		Env:  p.Strategy.EnvOverlay(p.Target.Arch, env.Native),
	})
	return err
}

// stepCommit is spec §4.5 step 9: the produced APK's PKGINFO is verified
// and its checksum computed before the file is moved into packages/<arch>;
// the index is regenerated afterwards (see rebuildIndex).
func stepCommit(ctx context.Context, env *Env, p *Plan) error {
	packagesDir := filepath.Join(env.WorkDir, "packages", string(p.Target.Arch))
	if err := os.MkdirAll(packagesDir, 0o755); err != nil {
		return pmberrors.Wrap(err, pmberrors.KindBuildFailed, "creating packages dir")
	}

	apkName := fmt.Sprintf("%s-%s.apk", p.Recipe.Pkgname, p.Recipe.FullVersion())
	srcPath := filepath.Join(p.Chroot.Identity.Dir(env.WorkDir), "home", "pmos", "packages", apkName)
	destPath := filepath.Join(packagesDir, apkName)

	digest, err := VerifyPKGINFO(srcPath, p.Recipe)
	if err != nil {
		return err
	}

	if err := os.Rename(srcPath, destPath); err != nil {
		return pmberrors.Wrapf(err, pmberrors.KindBuildFailed, "committing %s", apkName)
	}

	p.Artifacts.Add(artifact.Artifact{
		Type:    artifact.APK,
		Name:    apkName,
		Path:    destPath,
		Arch:    string(p.Target.Arch),
		Pkgname: p.Recipe.Pkgname,
		Extra:   map[string]interface{}{"checksum": digest},
	})

	return rebuildIndex(ctx, env, p.Target.Arch)
}
