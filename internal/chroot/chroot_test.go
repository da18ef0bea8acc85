package chroot

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pmbootstrap/pmbootstrap/internal/arch"
)

func TestIdentityID(t *testing.T) {
	cases := []struct {
		id   Identity
		want string
	}{
		{Identity{Kind: Native}, "native"},
		{Identity{Kind: Buildroot, Arch: arch.Armhf}, "buildroot_armhf"},
		{Identity{Kind: Rootfs, Device: "pine64-pinephone"}, "rootfs_pine64-pinephone"},
		{Identity{Kind: Installer, Device: "pine64-pinephone"}, "installer_pine64-pinephone"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.id.ID())
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "mounted", Mounted.String())
	assert.Equal(t, "contaminated", Contaminated.String())
}

func TestGetCachesChroot(t *testing.T) {
	m := NewManager(t.TempDir(), nil, nil, arch.X86_64, nil)
	id := Identity{Kind: Native}
	c1 := m.Get(id)
	c2 := m.Get(id)
	assert.Same(t, c1, c2)
	assert.Equal(t, Absent, c1.State())
}
