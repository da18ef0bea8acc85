// Package arch implements pmbootstrap's Architecture data model (spec §3):
// a closed tag set plus the two attributes derived from it, kernel name and
// hostspec.
package arch

import (
	"fmt"
	"runtime"
)

// Arch is one of the closed set of architecture tags pmbootstrap knows
// how to build for.
type Arch string

const (
	X86     Arch = "x86"
	X86_64  Arch = "x86_64"
	Armhf   Arch = "armhf"
	Armv7   Arch = "armv7"
	Aarch64 Arch = "aarch64"
	Riscv64 Arch = "riscv64"
	Ppc64le Arch = "ppc64le"
	S390x   Arch = "s390x"
	Mips64el Arch = "mips64el"
)

// All lists the closed set of supported architectures.
var All = []Arch{X86, X86_64, Armhf, Armv7, Aarch64, Riscv64, Ppc64le, S390x, Mips64el}

// Valid reports whether a is one of the known architecture tags.
func (a Arch) Valid() bool {
	for _, known := range All {
		if known == a {
			return true
		}
	}
	return false
}

// KernelName returns the `uname -m` style name for a.
func (a Arch) KernelName() string {
	switch a {
	case X86:
		return "i686"
	case X86_64:
		return "x86_64"
	case Armhf:
		return "armv6l"
	case Armv7:
		return "armv7l"
	case Aarch64:
		return "aarch64"
	case Riscv64:
		return "riscv64"
	case Ppc64le:
		return "ppc64le"
	case S390x:
		return "s390x"
	case Mips64el:
		return "mips64el"
	default:
		return string(a)
	}
}

// Hostspec returns the GNU triplet (CTARGET) for a.
func (a Arch) Hostspec() string {
	switch a {
	case X86:
		return "i486-alpine-linux-musl"
	case X86_64:
		return "x86_64-alpine-linux-musl"
	case Armhf:
		return "armv6-alpine-linux-musleabihf"
	case Armv7:
		return "armv7-alpine-linux-musleabihf"
	case Aarch64:
		return "aarch64-alpine-linux-musl"
	case Riscv64:
		return "riscv64-alpine-linux-musl"
	case Ppc64le:
		return "powerpc64le-alpine-linux-musl"
	case S390x:
		return "s390x-alpine-linux-musl"
	case Mips64el:
		return "mips64el-alpine-linux-musl"
	default:
		return ""
	}
}

// Native returns the host's own architecture tag.
func Native() (Arch, error) {
	switch runtime.GOARCH {
	case "386":
		return X86, nil
	case "amd64":
		return X86_64, nil
	case "arm":
		return Armv7, nil
	case "arm64":
		return Aarch64, nil
	case "riscv64":
		return Riscv64, nil
	case "ppc64le":
		return Ppc64le, nil
	case "s390x":
		return S390x, nil
	case "mips64le":
		return Mips64el, nil
	default:
		return "", fmt.Errorf("unsupported host GOARCH %q", runtime.GOARCH)
	}
}

// IsForeign reports whether a differs from the host's native architecture.
func IsForeign(a Arch, native Arch) bool {
	return a != native
}

// MatchesList reports whether arch satisfies an APKBUILD-style arch list
// entry such as "all", "noarch", "armhf", or a negation "!armhf".
func MatchesList(target Arch, list []string) bool {
	if len(list) == 0 {
		return false
	}
	matched := false
	for _, entry := range list {
		switch entry {
		case "all", "noarch":
			matched = true
		default:
			if len(entry) > 0 && entry[0] == '!' {
				if Arch(entry[1:]) == target {
					return false
				}
				continue
			}
			if Arch(entry) == target {
				matched = true
			}
		}
	}
	return matched
}
