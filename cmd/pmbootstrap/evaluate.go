package main

import (
	"context"

	"github.com/pmbootstrap/pmbootstrap/internal/chroot"
	pmberrors "github.com/pmbootstrap/pmbootstrap/internal/errors"
)

// nativeShell adapts the chroot manager's native chroot to
// recipe.ChrootRunner, so the build verb can re-evaluate a target's
// APKBUILD with full shell fidelity (spec §9 option a) rather than
// trusting the fast-path catalog parse for the one package actually being
// built. It requires the native chroot already Mounted.
type nativeShell struct {
	chroots *chroot.Manager
}

// RunShellJSON satisfies recipe.ChrootRunner by running script as the
// native chroot's /bin/sh, with the APKBUILD directory mounted at
// /home/pmos/build (the same bind Mount sets up for the buildroot).
func (s nativeShell) RunShellJSON(ctx context.Context, script string) ([]byte, error) {
	native := s.chroots.Get(chroot.Identity{Kind: chroot.Native})
	if native.State() != chroot.Mounted {
		return nil, pmberrors.New(pmberrors.KindBuildFailed, "native chroot is not mounted; cannot evaluate APKBUILD")
	}
	res, err := s.chroots.Enter(ctx, native, []string{"sh", "-s", "--", "/home/pmos/build/APKBUILD"}, chroot.EnterOptions{
		User:       "pmos",
		StdinBytes: []byte(script),
	})
	if err != nil {
		return nil, err
	}
	return res.Stdout, nil
}
