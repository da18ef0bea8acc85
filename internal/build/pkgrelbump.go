package build

import (
	"github.com/pmbootstrap/pmbootstrap/internal/arch"
	pmberrors "github.com/pmbootstrap/pmbootstrap/internal/errors"
	"github.com/pmbootstrap/pmbootstrap/internal/recipe"
)

// maxBumpRounds bounds the pkgrel_bump --auto fixed-point iteration
// (spec §9's open question on soname-dependency ordering).
const maxBumpRounds = 50

// SonameChanged reports whether pkgname's soname set differs from its
// last recorded build. AutoBump asks it once per recipe, before the
// fixed-point loop starts. Supplied by the caller (cmd/pmbootstrap's
// versionDriftedFromIndex for --auto), kept as a function value so this
// package needs no index or mirror dependency.
type SonameChanged func(pkgname string, target arch.Arch) bool

// BumpResult is one planned pkgrel increase.
type BumpResult struct {
	Pkgname string
	OldRel  int
	NewRel  int
	Reason  string // always "soname change in dependency closure"; the triggering package is not recorded
}

// AutoBump computes the full set of pkgrel bumps needed to restore
// consistency after one or more sonames changed (spec §9
// `pkgrel_bump --auto`): every package depending, directly or
// transitively, on a package whose soname changed gets its pkgrel bumped,
// iterated to a fixed point. Non-convergence within maxBumpRounds
// surfaces KindPkgrelBumpNonConverging naming the still-unsettled set,
// rather than guessing at an ordering the source leaves unspecified.
func AutoBump(recipes []recipe.APKBUILD, target arch.Arch, changed SonameChanged) ([]BumpResult, error) {
	byName := make(map[string]*recipe.APKBUILD, len(recipes))
	for i := range recipes {
		byName[recipes[i].Pkgname] = &recipes[i]
	}

	bumped := make(map[string]string) // pkgname -> triggering reason
	queued := make(map[string]bool)

	for _, r := range recipes {
		if changed(r.Pkgname, target) {
			queued[r.Pkgname] = true
		}
	}

	round := 0
	for len(queued) > 0 {
		if round >= maxBumpRounds {
			var stuck []string
			for name := range queued {
				stuck = append(stuck, name)
			}
			return nil, pmberrors.Errorf(pmberrors.KindPkgrelBumpNonConverging, "pkgrel_bump did not converge after %d rounds, still cyclic: %v", maxBumpRounds, stuck)
		}

		next := make(map[string]bool)
		for name := range queued {
			if _, already := bumped[name]; already {
				continue
			}
			bumped[name] = "soname change in dependency closure"

			for _, consumer := range recipes {
				if _, done := bumped[consumer.Pkgname]; done {
					continue
				}
				if dependsOn(consumer, name) {
					next[consumer.Pkgname] = true
				}
			}
		}
		queued = next
		round++
	}

	var out []BumpResult
	for name, reason := range bumped {
		r := byName[name]
		if r == nil {
			continue
		}
		out = append(out, BumpResult{Pkgname: name, OldRel: r.Pkgrel, NewRel: r.Pkgrel + 1, Reason: reason})
	}
	return out, nil
}

func dependsOn(consumer recipe.APKBUILD, name string) bool {
	for _, d := range consumer.Depends {
		if depName(d) == name {
			return true
		}
	}
	for _, d := range consumer.MakeDepends {
		if depName(d) == name {
			return true
		}
	}
	return false
}

func depName(req string) string {
	for _, op := range []string{">=", "<=", "><", "=", "<", ">", "~"} {
		for i := 0; i+len(op) <= len(req); i++ {
			if req[i:i+len(op)] == op {
				return req[:i]
			}
		}
	}
	return req
}
