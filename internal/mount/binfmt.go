package mount

import (
	"fmt"
	"os"
	"path/filepath"

	pmberrors "github.com/pmbootstrap/pmbootstrap/internal/errors"
	"github.com/pmbootstrap/pmbootstrap/internal/arch"
)

// binfmtTag is the registration name pmbootstrap uses under
// /proc/sys/fs/binfmt_misc for a given foreign architecture.
func binfmtTag(a arch.Arch) string {
	return "pmbootstrap-qemu-" + string(a)
}

// BinfmtRegistered reports whether a's binfmt_misc interpreter is already
// registered (detected by reading its status file), so registration is
// attempted at most once per arch per host boot.
func BinfmtRegistered(a arch.Arch) (bool, error) {
	path := filepath.Join("/proc/sys/fs/binfmt_misc", binfmtTag(a))
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// RegisterBinfmt installs a's binfmt_misc registration pointing at the
// statically linked QEMU user binary living at qemuPathInNative (a path
// inside the native chroot, e.g. /usr/bin/qemu-arm-static). It is a no-op
// if already registered. Registering binfmt for the native architecture
// itself is refused: native binaries never need emulation (spec §8
// boundary behavior).
func RegisterBinfmt(a, native arch.Arch, qemuPathInNative string) error {
	if a == native {
		return pmberrors.Errorf(pmberrors.KindUnsupportedArch, "refusing to register binfmt for native arch %s", a)
	}

	registered, err := BinfmtRegistered(a)
	if err != nil {
		return pmberrors.Wrap(err, pmberrors.KindSpawnFailed, "checking binfmt_misc status")
	}
	if registered {
		return nil
	}

	magic, mask, err := qemuMagic(a)
	if err != nil {
		return err
	}

	registration := fmt.Sprintf(":%s:M::%s:%s:%s:OCF", binfmtTag(a), magic, mask, qemuPathInNative)

	f, err := os.OpenFile("/proc/sys/fs/binfmt_misc/register", os.O_WRONLY, 0)
	if err != nil {
		return pmberrors.Wrap(err, pmberrors.KindSpawnFailed, "opening binfmt_misc register")
	}
	defer f.Close()

	if _, err := f.WriteString(registration); err != nil {
		return pmberrors.Wrap(err, pmberrors.KindSpawnFailed, "registering binfmt_misc interpreter")
	}
	return nil
}

// qemuMagic returns the ELF e_machine magic/mask pair binfmt_misc uses to
// recognize a's binaries. Only the architectures pmbootstrap builds for
// are covered; an unknown arch is a configuration error, not a silent
// fallback.
func qemuMagic(a arch.Arch) (magic string, mask string, err error) {
	switch a {
	case arch.Armhf, arch.Armv7:
		return "7f454c4601010100000000000000000002002800", "fffffffffffffff0fffff00fffffffffffffffff", nil
	case arch.Aarch64:
		return "7f454c4602010100000000000000000002000000b7", "fffffffffffffff0ffffffffffffffffffffffff", nil
	case arch.Riscv64:
		return "7f454c460201010000000000000000000200f300", "fffffffffffffff0fffffffffffffffffffffff", nil
	case arch.Ppc64le:
		return "7f454c4602010100000000000000000002000015", "fffffffffffffff0fffffffffffffffffffffff", nil
	case arch.S390x:
		return "7f454c4602020100000000000000000002001600", "fffffffffffffff0fffffffffffffffffffffff", nil
	case arch.Mips64el:
		return "7f454c4602010100000000000000000002000800", "fffffffffffffff0fffffffffffffffffffffff", nil
	default:
		return "", "", pmberrors.Errorf(pmberrors.KindUnsupportedArch, "no binfmt magic known for %s", a)
	}
}
