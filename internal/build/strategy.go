package build

import (
	"fmt"

	"github.com/pmbootstrap/pmbootstrap/internal/arch"
	"github.com/pmbootstrap/pmbootstrap/internal/recipe"
)

// Strategy is one of the four build strategies of spec §4.5 step 5.
type Strategy int

const (
	Native Strategy = iota
	CrossDirect
	DistccQemu
	QemuOnly
)

func (s Strategy) String() string {
	switch s {
	case Native:
		return "native"
	case CrossDirect:
		return "cross-direct"
	case DistccQemu:
		return "distcc+qemu"
	case QemuOnly:
		return "qemu-only"
	default:
		return "unknown"
	}
}

// SelectStrategy picks a strategy deterministically given the recipe's
// options and the availability of cross aports, ties broken in the order
// native, cross-direct, distcc+qemu, qemu-only (spec §4.5 step 5).
func SelectStrategy(env *Env, r recipe.APKBUILD, target arch.Arch) Strategy {
	if target == env.Native {
		return Native
	}
	if env.CrossAportAvailable != nil && env.CrossAportAvailable(target) && !optsOutOfCross(r) {
		return CrossDirect
	}
	if env.DistccCompatible != nil && env.DistccCompatible(r) {
		return DistccQemu
	}
	return QemuOnly
}

// optsOutOfCross reports whether the recipe opts out of cross-direct
// builds. It always reports false: recipe.Options records only !check and
// !strip, so no "!crossdirect" opt-out is read.
func optsOutOfCross(r recipe.APKBUILD) bool {
	return false // teacher recipes carry no such option today; reserved for a future pmbootstrap-specific APKBUILD extension.
}

// EnvOverlay returns the environment variables the builder needs for s,
// targeting arch on a host whose native arch is native. Grounded on
// internal/pipe/alpine/alpine.go's `cmd.Env = append(os.Environ(),
// "CBUILD="+arch)` overlay pattern.
func (s Strategy) EnvOverlay(target arch.Arch, native arch.Arch) map[string]string {
	env := map[string]string{
		"CBUILD": native.Hostspec(),
	}
	switch s {
	case Native:
		env["CHOST"] = target.Hostspec()
		env["CTARGET"] = target.Hostspec()
	case CrossDirect:
		env["CHOST"] = native.Hostspec()
		env["CTARGET"] = target.Hostspec()
		env["CROSS_COMPILE"] = fmt.Sprintf("%s-", target.Hostspec())
	case DistccQemu:
		env["CHOST"] = target.Hostspec()
		env["CTARGET"] = target.Hostspec()
		env["DISTCC_HOSTS"] = "127.0.0.1:3632/" + fmt.Sprint(1)
		env["CC"] = "distcc cc"
	case QemuOnly:
		env["CHOST"] = target.Hostspec()
		env["CTARGET"] = target.Hostspec()
	}
	return env
}
