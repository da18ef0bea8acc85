// Package chroot implements the chroot manager of spec §4.3: the state
// machine that creates, mounts, unmounts, and destroys one rootfs tree per
// (kind, arch) identity. Entry (chroot()+setuid) and environment
// sanitization are grounded on
// other_examples/a4aa7085_zkoopmans-gvisor__runsc-cmd-chroot.go.go
// (pivot_root/mount sequencing) and
// other_examples/d0a8633c_apptainer-apptainer__...fakeroot-engine_linux.go.go
// (enter-as-uid pattern).
package chroot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	pmberrors "github.com/pmbootstrap/pmbootstrap/internal/errors"
	"github.com/pmbootstrap/pmbootstrap/internal/arch"
	"github.com/pmbootstrap/pmbootstrap/internal/mount"
	"github.com/pmbootstrap/pmbootstrap/internal/runner"
)

// Kind is the chroot kind component of a Chroot identity (spec §3).
type Kind string

const (
	Native    Kind = "native"
	Buildroot Kind = "buildroot"
	Rootfs    Kind = "rootfs"
	Installer Kind = "installer"
)

// State is one of the chroot lifecycle states of spec §4.3.
type State int

const (
	Absent State = iota
	Initializing
	Ready
	Mounted
	Zapping
	Contaminated
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Mounted:
		return "mounted"
	case Zapping:
		return "zapping"
	case Contaminated:
		return "contaminated"
	default:
		return "unknown"
	}
}

// Identity is the (kind, arch) pair identifying one chroot (spec §3).
type Identity struct {
	Kind   Kind
	Arch   arch.Arch
	Device string // non-empty for Rootfs/Installer kinds
}

// ID returns the stable string id used as both the directory name suffix
// and the mount registry's chrootID.
func (id Identity) ID() string {
	switch id.Kind {
	case Native:
		return "native"
	case Buildroot:
		return fmt.Sprintf("buildroot_%s", id.Arch)
	case Rootfs:
		return fmt.Sprintf("rootfs_%s", id.Device)
	case Installer:
		return fmt.Sprintf("installer_%s", id.Device)
	default:
		return "unknown"
	}
}

// Dir returns id's directory under workDir.
func (id Identity) Dir(workDir string) string {
	return filepath.Join(workDir, "chroot_"+id.ID())
}

// Chroot tracks one rootfs tree's lifecycle.
type Chroot struct {
	Identity Identity
	WorkDir  string
	state    State
	mu       sync.Mutex
}

// Manager owns every chroot for one invocation, and the mount registry and
// command runner they share.
type Manager struct {
	WorkDir  string
	Mounts   *mount.Registry
	Runner   *runner.Runner
	Native   arch.Arch
	Mirrors  []string

	mu       sync.Mutex
	chroots  map[string]*Chroot

	// BootstrapFetcher resolves the pinned apk.static binary bytes for a
	// given architecture, verified against its pinned SHA-256 by the
	// caller (internal/mirror). Set by the wiring layer to avoid a
	// chroot -> mirror import cycle.
	BootstrapFetcher func(ctx context.Context, a arch.Arch) ([]byte, error)
}

// NewManager builds a Manager rooted at workDir.
func NewManager(workDir string, mounts *mount.Registry, run *runner.Runner, native arch.Arch, mirrors []string) *Manager {
	return &Manager{
		WorkDir: workDir,
		Mounts:  mounts,
		Runner:  run,
		Native:  native,
		Mirrors: mirrors,
		chroots: make(map[string]*Chroot),
	}
}

// Get returns (creating if necessary) the in-memory Chroot tracker for id.
// A new tracker starts Ready when id's directory already exists on disk
// and Absent otherwise; live mounts are not probed.
func (m *Manager) Get(id Identity) *Chroot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.chroots[id.ID()]; ok {
		return c
	}
	c := &Chroot{Identity: id, WorkDir: m.WorkDir, state: Absent}
	if _, err := os.Stat(id.Dir(m.WorkDir)); err == nil {
		c.state = Ready
	}
	m.chroots[id.ID()] = c
	return c
}

// State returns c's current state.
func (c *Chroot) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Chroot) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// MarkContaminated flags c so a subsequent build refuses to reuse it
// without a zap first (spec §4.5 step 10: a failed build step leaves its
// chroot mounted but contaminated, for the user to inspect).
func (c *Chroot) MarkContaminated() {
	c.setState(Contaminated)
}

// Ensure transitions id from Absent to Ready, initializing its tree if
// necessary (spec §4.3 initializing -> ready).
func (m *Manager) Ensure(ctx context.Context, id Identity) (*Chroot, error) {
	c := m.Get(id)
	if c.State() != Absent {
		return c, nil
	}

	c.setState(Initializing)
	dir := id.Dir(m.WorkDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		c.setState(Absent)
		return nil, pmberrors.Wrapf(err, pmberrors.KindSpawnFailed, "creating chroot dir %s", dir)
	}

	if err := m.seedAlpineBase(ctx, c, dir); err != nil {
		c.setState(Absent)
		return nil, err
	}

	if err := os.WriteFile(filepath.Join(dir, "etc", "apk", "arch"), []byte(string(id.Arch)+"\n"), 0o644); err != nil {
		c.setState(Absent)
		return nil, pmberrors.Wrap(err, pmberrors.KindSpawnFailed, "writing /etc/apk/arch")
	}

	c.setState(Ready)
	return c, nil
}

// seedAlpineBase extracts the pinned static apk binary and installs the
// alpine-base seed set via `apk.static --initdb` (spec §4.3). The actual
// download/verification is delegated to the caller-supplied bootstrap
// fetcher (internal/mirror), kept out of this package to avoid a
// chroot -> mirror import cycle; Manager.BootstrapFetcher is set by
// cmd/pmbootstrap's runtime wiring.
func (m *Manager) seedAlpineBase(ctx context.Context, c *Chroot, dir string) error {
	for _, sub := range []string{"etc/apk", "var/cache/apk", "dev", "proc", "sys"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return pmberrors.Wrap(err, pmberrors.KindSpawnFailed, "creating chroot skeleton")
		}
	}
	if m.BootstrapFetcher == nil {
		return pmberrors.New(pmberrors.KindSpawnFailed, "no bootstrap fetcher configured")
	}
	apkStatic, err := m.BootstrapFetcher(ctx, c.Identity.Arch)
	if err != nil {
		return err
	}
	dest := filepath.Join(dir, "usr", "sbin", "apk.static")
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return pmberrors.Wrap(err, pmberrors.KindSpawnFailed, "creating apk.static dir")
	}
	if err := os.WriteFile(dest, apkStatic, 0o755); err != nil {
		return pmberrors.Wrap(err, pmberrors.KindSpawnFailed, "writing apk.static")
	}

	_, err = m.Runner.Run(ctx, runner.Invocation{
		Argv:    []string{dest, "--initdb", "-X", m.Mirrors[0], "--root", dir, "add", "alpine-base"},
		ExecCtx: runner.Host,
		AsRoot:  true,
		Check:   true,
	})
	return err
}
