package chroot

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pmbootstrap/pmbootstrap/internal/arch"
	pmberrors "github.com/pmbootstrap/pmbootstrap/internal/errors"
	"github.com/pmbootstrap/pmbootstrap/internal/mount"
	"github.com/pmbootstrap/pmbootstrap/internal/runner"
)

// MountOptions configures Mount for one chroot entry.
type MountOptions struct {
	AportsDir    string
	QemuBinPath  string // inside the native chroot, for foreign arches
}

// Mount transitions c from Ready to Mounted, acquiring proc/sys/dev/dev-pts,
// the aports bind, the apk cache bind, the local repo bind, and — for
// foreign architectures — the native-chroot bind and binfmt registration
// (spec §4.3 ready -> mounted).
func (m *Manager) Mount(ctx context.Context, c *Chroot, opts MountOptions) error {
	id := c.Identity
	dir := id.Dir(m.WorkDir)
	refs := m.Mounts.Acquire(id.ID())
	if refs > 1 {
		// Already mounted by an outer caller; nothing more to do.
		return nil
	}

	if c.State() != Ready && c.State() != Contaminated {
		m.Mounts.Release(id.ID())
		return pmberrors.Errorf(pmberrors.KindBuildFailed, "cannot mount chroot %s from state %s", id.ID(), c.State())
	}

	steps := []mount.Record{
		{ChrootID: id.ID(), Target: filepath.Join(dir, "proc"), Kind: mount.Proc, CreatedByUs: true},
		{ChrootID: id.ID(), Target: filepath.Join(dir, "sys"), Kind: mount.Sys, CreatedByUs: true},
		{ChrootID: id.ID(), Source: "/dev", Target: filepath.Join(dir, "dev"), Kind: mount.Dev, CreatedByUs: true},
		{ChrootID: id.ID(), Source: "/dev/pts", Target: filepath.Join(dir, "dev", "pts"), Kind: mount.Dev, CreatedByUs: true},
	}
	if opts.AportsDir != "" {
		steps = append(steps, mount.Record{ChrootID: id.ID(), Source: opts.AportsDir, Target: filepath.Join(dir, "home", "pmos", "build"), Kind: mount.Bind, CreatedByUs: true})
	}
	steps = append(steps,
		mount.Record{ChrootID: id.ID(), Source: cacheApkDir(m.WorkDir, id.Arch), Target: filepath.Join(dir, "var", "cache", "apk"), Kind: mount.Bind, CreatedByUs: true},
		mount.Record{ChrootID: id.ID(), Source: packagesDir(m.WorkDir, id.Arch), Target: filepath.Join(dir, "mnt", "pmbootstrap-packages"), Kind: mount.Bind, CreatedByUs: true},
	)

	if arch.IsForeign(id.Arch, m.Native) {
		nativeDir := Identity{Kind: Native}.Dir(m.WorkDir)
		steps = append(steps, mount.Record{ChrootID: id.ID(), Source: nativeDir, Target: filepath.Join(dir, "native"), Kind: mount.Bind, CreatedByUs: true})
	}

	for _, rec := range steps {
		if err := m.Mounts.Mount(rec); err != nil {
			m.unwindMounts(id)
			m.Mounts.Release(id.ID())
			return err
		}
	}

	if arch.IsForeign(id.Arch, m.Native) && opts.QemuBinPath != "" {
		if err := mount.RegisterBinfmt(id.Arch, m.Native, opts.QemuBinPath); err != nil {
			m.unwindMounts(id)
			m.Mounts.Release(id.ID())
			return err
		}
	}

	c.setState(Mounted)
	return nil
}

// unwindMounts releases whatever mount records were established before a
// failed step, guaranteeing no partial mount set is left behind.
func (m *Manager) unwindMounts(id Identity) {
	_ = m.Mounts.Unmount(id.ID())
}

// Unmount transitions c from Mounted back to Ready, releasing every
// recorded mount in reverse order (spec §4.3 mounted -> ready). It is a
// fatal invariant violation (MountLeak) to return from this function
// without the chroot's mount set being empty.
func (m *Manager) Unmount(c *Chroot) error {
	id := c.Identity
	if m.Mounts.Release(id.ID()) > 0 {
		// Still referenced by an outer caller.
		return nil
	}
	if err := m.Mounts.Unmount(id.ID()); err != nil {
		return err
	}
	if m.Mounts.Mounted(id.ID()) {
		return pmberrors.Errorf(pmberrors.KindMountLeak, "chroot %s still has live mounts after unmount", id.ID())
	}
	c.setState(Ready)
	return nil
}

// EnterOptions configures Enter.
type EnterOptions struct {
	User    string // defaults to "pmos"; "root" on explicit --root
	Env     map[string]string
	Timeout int64

	// StdinBytes, when non-nil, is piped to argv's stdin (used by the
	// APKBUILD shell evaluator to feed its wrapper script).
	StdinBytes []byte

	// Output controls what happens to argv's stdout/stderr; zero value is
	// runner.Return (captured, not streamed).
	Output runner.OutputDisposition
}

// Enter runs argv inside c via the command runner's chroot execution
// context, requiring c to already be Mounted (enforced by the runner
// itself, spec §4.2).
func (m *Manager) Enter(ctx context.Context, c *Chroot, argv []string, opts EnterOptions) (*runner.Result, error) {
	if c.State() != Mounted {
		return nil, pmberrors.Errorf(pmberrors.KindBuildFailed, "chroot %s is not mounted", c.Identity.ID())
	}
	user := opts.User
	if user == "" {
		user = "pmos"
	}
	execCtx := runner.UserInChroot
	if user == "root" {
		execCtx = runner.Chroot
	}
	inv := runner.Invocation{
		Argv:       argv,
		ExecCtx:    execCtx,
		ChrootID:   c.Identity.ID(),
		ChrootPath: c.Identity.Dir(m.WorkDir),
		ChrootUser: user,
		Env:        sanitizeEnv(opts.Env),
		AsRoot:     true,
		Check:      true,
		Output:     opts.Output,
	}
	if opts.StdinBytes != nil {
		inv.Stdin = runner.StdinBytes
		inv.StdinBytes = opts.StdinBytes
	}
	return m.Runner.Run(ctx, inv)
}

// sanitizeEnv restricts the in-chroot environment to a small allow-list
// plus whatever the recipe explicitly requires (spec §4.3).
func sanitizeEnv(extra map[string]string) map[string]string {
	env := map[string]string{
		"PATH":  "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"HOME":  "/home/pmos",
		"LANG":  "C.UTF-8",
		"SHELL": "/bin/sh",
	}
	for k, v := range extra {
		env[k] = v
	}
	return env
}

// Zap transitions c to Zapping then Absent, refusing while any mount is
// live (spec §4.3).
func (m *Manager) Zap(c *Chroot, purgeCaches, purgePackages bool) error {
	if m.Mounts.Mounted(c.Identity.ID()) {
		return pmberrors.Errorf(pmberrors.KindBuildFailed, "refusing to zap %s: mounts still live", c.Identity.ID())
	}
	c.setState(Zapping)
	dir := c.Identity.Dir(m.WorkDir)
	if err := os.RemoveAll(dir); err != nil {
		return pmberrors.Wrapf(err, pmberrors.KindSpawnFailed, "removing chroot tree %s", dir)
	}
	if purgeCaches {
		_ = os.RemoveAll(cacheApkDir(m.WorkDir, c.Identity.Arch))
	}
	if purgePackages {
		_ = os.RemoveAll(packagesDir(m.WorkDir, c.Identity.Arch))
	}
	c.setState(Absent)
	return nil
}

func cacheApkDir(workDir string, a arch.Arch) string {
	return filepath.Join(workDir, "cache_apk_"+string(a))
}

func packagesDir(workDir string, a arch.Arch) string {
	return filepath.Join(workDir, "packages", string(a))
}
