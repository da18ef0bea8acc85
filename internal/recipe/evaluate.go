package recipe

import (
	"context"
	"encoding/json"
	"strconv"

	pmberrors "github.com/pmbootstrap/pmbootstrap/internal/errors"
)

// ChrootRunner is the subset of *runner.Runner / *chroot.Manager this
// package needs: run a shell wrapper inside the native chroot and get its
// stdout back. Kept as an interface to avoid recipe -> chroot/runner
// import cycles; satisfied by cmd/pmbootstrap's nativeShell.
type ChrootRunner interface {
	RunShellJSON(ctx context.Context, script string) ([]byte, error)
}

// wrapperScript echoes every APKBUILD field pmbootstrap needs as one JSON
// object, by sourcing the recipe then printing its variables. This is the
// §9 "option (a)" default: full shell fidelity, at the cost of requiring
// a live native chroot.
const wrapperScript = `#!/bin/sh
set -e
. "$1"
printf '{'
printf '"pkgname":"%s",' "$pkgname"
printf '"pkgver":"%s",' "$pkgver"
printf '"pkgrel":"%s",' "$pkgrel"
printf '"arch":['
first=1
for a in $arch; do
  [ $first -eq 0 ] && printf ','
  printf '"%s"' "$a"
  first=0
done
printf '],'
printf '"depends":['
first=1
for d in $depends; do
  [ $first -eq 0 ] && printf ','
  printf '"%s"' "$d"
  first=0
done
printf '],'
printf '"makedepends":['
first=1
for d in $makedepends; do
  [ $first -eq 0 ] && printf ','
  printf '"%s"' "$d"
  first=0
done
printf '],'
printf '"provides":['
first=1
for p in $provides; do
  [ $first -eq 0 ] && printf ','
  printf '"%s"' "$p"
  first=0
done
printf ']'
printf '}'
`

type evalResult struct {
	Pkgname     string   `json:"pkgname"`
	Pkgver      string   `json:"pkgver"`
	Pkgrel      string   `json:"pkgrel"`
	Arch        []string `json:"arch"`
	Depends     []string `json:"depends"`
	MakeDepends []string `json:"makedepends"`
	Provides    []string `json:"provides"`
}

// Evaluate runs wrapperScript against the APKBUILD at dir/APKBUILD inside
// the native chroot via cr, and returns the parsed record. This is §9
// option (a); the build verb uses it only when the native chroot is
// already mounted. ParseFast is the read-only fast path behind the aports
// catalog.
func Evaluate(ctx context.Context, cr ChrootRunner, dir string) (APKBUILD, error) {
	out, err := cr.RunShellJSON(ctx, wrapperScript)
	if err != nil {
		return APKBUILD{}, pmberrors.Wrap(err, pmberrors.KindBuildFailed, "evaluating APKBUILD in chroot")
	}

	var r evalResult
	if err := json.Unmarshal(out, &r); err != nil {
		return APKBUILD{}, pmberrors.Wrap(err, pmberrors.KindIndexCorrupt, "parsing APKBUILD evaluation output")
	}
	if r.Pkgname == "" || r.Pkgver == "" {
		return APKBUILD{}, pmberrors.New(pmberrors.KindIndexCorrupt, "APKBUILD evaluation missing pkgname/pkgver")
	}
	pkgrel := 0
	if r.Pkgrel != "" {
		n, err := strconv.Atoi(r.Pkgrel)
		if err != nil {
			return APKBUILD{}, pmberrors.Wrapf(err, pmberrors.KindIndexCorrupt, "invalid pkgrel %q", r.Pkgrel)
		}
		pkgrel = n
	}

	return APKBUILD{
		Pkgname:     r.Pkgname,
		Pkgver:      r.Pkgver,
		Pkgrel:      pkgrel,
		ArchList:    r.Arch,
		Depends:     r.Depends,
		MakeDepends: r.MakeDepends,
		Provides:    r.Provides,
		Dir:         dir,
		Options:     Options{Check: true, Strip: true},
	}, nil
}
