package build

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pmbootstrap/pmbootstrap/internal/arch"
	"github.com/pmbootstrap/pmbootstrap/internal/recipe"
)

func TestSelectStrategyNativeWhenArchMatchesHost(t *testing.T) {
	env := &Env{Native: arch.X86_64}
	s := SelectStrategy(env, recipe.APKBUILD{Pkgname: "hello"}, arch.X86_64)
	assert.Equal(t, Native, s)
}

func TestSelectStrategyCrossDirectWhenAvailable(t *testing.T) {
	env := &Env{
		Native:              arch.X86_64,
		CrossAportAvailable: func(a arch.Arch) bool { return a == arch.Armhf },
	}
	s := SelectStrategy(env, recipe.APKBUILD{Pkgname: "hello"}, arch.Armhf)
	assert.Equal(t, CrossDirect, s)
}

func TestSelectStrategyDistccWhenCompatible(t *testing.T) {
	env := &Env{
		Native:              arch.X86_64,
		CrossAportAvailable: func(a arch.Arch) bool { return false },
		DistccCompatible:    func(r recipe.APKBUILD) bool { return true },
	}
	s := SelectStrategy(env, recipe.APKBUILD{Pkgname: "hello"}, arch.Armhf)
	assert.Equal(t, DistccQemu, s)
}

func TestSelectStrategyFallsBackToQemuOnly(t *testing.T) {
	env := &Env{Native: arch.X86_64}
	s := SelectStrategy(env, recipe.APKBUILD{Pkgname: "hello"}, arch.Armhf)
	assert.Equal(t, QemuOnly, s)
}

func TestEnvOverlaySetsCHostCTarget(t *testing.T) {
	env := CrossDirect.EnvOverlay(arch.Armhf, arch.X86_64)
	assert.Equal(t, arch.X86_64.Hostspec(), env["CHOST"])
	assert.Equal(t, arch.Armhf.Hostspec(), env["CTARGET"])
}
