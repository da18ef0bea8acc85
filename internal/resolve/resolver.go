// Package resolve implements the dependency resolver of spec §4.6: a
// memoized DFS over aports recipes and APKINDEX entries that computes a
// consistent install/build closure, or a structured conflict.
// github.com/campoy/unique (teacher dep) dedupes the final list of chosen
// names, which is then sorted alphabetically; candidate lists are not
// deduplicated.
package resolve

import (
	"fmt"
	"sort"

	"github.com/campoy/unique"

	"github.com/pmbootstrap/pmbootstrap/internal/arch"
	pmberrors "github.com/pmbootstrap/pmbootstrap/internal/errors"
	"github.com/pmbootstrap/pmbootstrap/internal/recipe"
	"github.com/pmbootstrap/pmbootstrap/internal/version"
)

// Source identifies where a resolved package comes from.
type Source int

const (
	FromAport Source = iota
	FromIndex
)

// Assignment is one resolved (pkgname -> chosen version/source) mapping.
type Assignment struct {
	Pkgname string
	Version string
	Source  Source
}

// Catalog is the input data the resolver searches: every known recipe and
// index entry, for one architecture.
type Catalog struct {
	Arch    arch.Arch
	Recipes []recipe.APKBUILD
	Index   *recipe.Index

	// BootstrapOrder names a fixed resolution order for a known
	// makedepends cycle, e.g. ["gcc-pass2", "gcc"] (spec §4.6).
	BootstrapOrder map[string][]string
}

// Conflict describes an unsatisfiable constraint set (spec §4.6/§7).
type Conflict struct {
	Pkgname     string
	Constraints []string
}

func (c *Conflict) Error() string {
	return fmt.Sprintf("conflicting constraints for %s: %v", c.Pkgname, c.Constraints)
}

// Unwrap exposes c as a KindDependencyConflict error, so pmberrors.GetKind
// classifies it like the resolver's other conflict errors.
func (c *Conflict) Unwrap() error {
	return pmberrors.New(pmberrors.KindDependencyConflict, c.Error())
}

// BootstrapCycle describes a makedepends cycle requiring a configured
// bootstrap order (spec §4.6).
type BootstrapCycle struct {
	Chain []string
}

func (b *BootstrapCycle) Error() string {
	return fmt.Sprintf("bootstrap required to break makedepends cycle: %v", b.Chain)
}

type candidate struct {
	name    string
	version version.Version
	pkgrel  int
	source  Source
	recipe  *recipe.APKBUILD
	entry   *recipe.IndexEntry
}

// resolver holds one resolution's working state.
type resolver struct {
	catalog Catalog
	memo    map[string]bool // pkgname -> already fully expanded
	chosen  map[string]candidate
	chain   []string // current DFS path, for cycle detection
	inMake  map[string]bool
}

// Resolve computes an assignment satisfying every root constraint, or
// returns a *Conflict / *BootstrapCycle error (spec §4.6). An empty root
// set returns an empty assignment, not an error (spec §8).
func Resolve(catalog Catalog, roots []string, makeEdge bool) ([]Assignment, error) {
	if len(roots) == 0 {
		return nil, nil
	}

	r := &resolver{
		catalog: catalog,
		memo:    make(map[string]bool),
		chosen:  make(map[string]candidate),
		inMake:  make(map[string]bool),
	}

	for _, root := range roots {
		name, constraint, err := splitRequirement(root)
		if err != nil {
			return nil, err
		}
		if err := r.resolveOne(name, constraint, makeEdge, nil); err != nil {
			return nil, err
		}
	}

	var names []string
	for name := range r.chosen {
		names = append(names, name)
	}
	unique.Strings(&names)
	sort.Strings(names)

	out := make([]Assignment, 0, len(names))
	for _, name := range names {
		c := r.chosen[name]
		out = append(out, Assignment{Pkgname: name, Version: verString(c), Source: c.source})
	}
	return out, nil
}

func verString(c candidate) string {
	if c.entry != nil {
		return c.entry.Version
	}
	return fmt.Sprintf("%s-r%d", c.version.String(), c.pkgrel)
}

func splitRequirement(req string) (name string, constraint version.Constraint, err error) {
	for _, op := range []string{">=", "<=", "><", "=", "<", ">", "~"} {
		if idx := indexOf(req, op); idx > 0 {
			name = req[:idx]
			constraint, err = version.ParseConstraint(req[idx:])
			return
		}
	}
	return req, version.Constraint{}, nil
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

// resolveOne resolves a single requirement (name, constraint), recursing
// into its dependencies. makeEdge marks whether this edge came from a
// makedepends relation (needed for cycle classification).
func (r *resolver) resolveOne(name string, constraint version.Constraint, makeEdge bool, chain []string) error {
	for _, seen := range chain {
		if seen == name {
			if makeEdge {
				return &BootstrapCycle{Chain: append(append([]string{}, chain...), name)}
			}
			return nil // runtime-depends cycles are legal (spec §4.6)
		}
	}

	candidates := r.findProviders(name)
	if len(candidates) == 0 {
		return pmberrors.Errorf(pmberrors.KindMissingProvider, "no provider found for %q", name)
	}

	sortCandidates(candidates)

	if existing, ok := r.chosen[name]; ok {
		if !constraint.Check(existing.version) {
			return &Conflict{Pkgname: name, Constraints: []string{constraint.String()}}
		}
		return nil
	}

	var lastErr error
	for _, cand := range candidates {
		if !constraint.Check(cand.version) {
			continue
		}
		if conflictErr := r.checkAgainstChosen(name, cand); conflictErr != nil {
			lastErr = conflictErr
			continue
		}

		r.chosen[name] = cand
		nextChain := append(append([]string{}, chain...), name)

		var deps []string
		var makeDeps []string
		if cand.recipe != nil {
			deps = cand.recipe.Depends
			makeDeps = cand.recipe.MakeDepends
		}

		ok := true
		for _, dep := range deps {
			dname, dcons, err := splitRequirement(dep)
			if err != nil {
				return err
			}
			if err := r.resolveOne(dname, dcons, false, nextChain); err != nil {
				if bc, isCycle := err.(*BootstrapCycle); isCycle {
					return bc
				}
				ok = false
				lastErr = err
				break
			}
		}
		if ok {
			for _, dep := range makeDeps {
				dname, dcons, err := splitRequirement(dep)
				if err != nil {
					return err
				}
				if err := r.resolveOne(dname, dcons, true, nextChain); err != nil {
					if _, isCycle := err.(*BootstrapCycle); isCycle {
						if order, configured := r.catalog.BootstrapOrder[dname]; configured {
							ok = r.applyBootstrapOrder(order)
							if ok {
								continue
							}
						}
						return err
					}
					ok = false
					lastErr = err
					break
				}
			}
		}

		if ok {
			return nil
		}
		delete(r.chosen, name)
	}

	if lastErr != nil {
		return lastErr
	}
	return pmberrors.Errorf(pmberrors.KindDependencyConflict, "no candidate for %q satisfies %s", name, constraint.String())
}

// applyBootstrapOrder resolves a configured bootstrap ordering (e.g.
// gcc-pass2 -> gcc) in sequence, breaking the makedepends cycle. It starts
// each lookup from a fresh chain: the whole point of a configured order is
// that these packages no longer need to be resolved within the cyclic
// context that triggered it.
func (r *resolver) applyBootstrapOrder(order []string) bool {
	for _, name := range order {
		if err := r.resolveOne(name, version.Constraint{}, true, nil); err != nil {
			return false
		}
	}
	return true
}

// checkAgainstChosen reports a Conflict if cand contradicts an
// already-chosen package (version constraint or architecture mismatch).
func (r *resolver) checkAgainstChosen(name string, cand candidate) error {
	if cand.recipe != nil && !cand.recipe.SupportsArch(r.catalog.Arch) {
		return pmberrors.Errorf(pmberrors.KindUnsupportedArch, "%s does not support %s", name, r.catalog.Arch)
	}
	return nil
}

// findProviders expands name to every candidate satisfying it, from both
// aports and indexes (bare name or virtual provider).
func (r *resolver) findProviders(name string) []candidate {
	var out []candidate

	for i := range r.catalog.Recipes {
		rec := &r.catalog.Recipes[i]
		if rec.ProvidesName(name) {
			v, err := version.Parse(rec.Pkgver)
			if err != nil {
				continue
			}
			out = append(out, candidate{name: name, version: v, pkgrel: rec.Pkgrel, source: FromAport, recipe: rec})
		}
	}

	if r.catalog.Index != nil {
		for _, e := range r.catalog.Index.ByProvider(name) {
			e := e
			v, rel, err := splitFullVersion(e.Version)
			if err != nil {
				continue
			}
			out = append(out, candidate{name: name, version: v, pkgrel: rel, source: FromIndex, entry: &e})
		}
	}

	return out
}

func splitFullVersion(full string) (version.Version, int, error) {
	v, err := version.Parse(full)
	if err != nil {
		return version.Version{}, 0, err
	}
	return v, v.Rel(), nil
}

// sortCandidates orders by tie-break rule: (1) higher pkgver, (2) lower
// pkgrel if equal, (3) aport over index, (4) alphabetical pkgname. Since
// all candidates here share a name, (4) is a no-op but kept for parity
// with spec wording.
func sortCandidates(cands []candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if c := b.version.Compare(a.version); c != 0 {
			return c < 0 // higher pkgver first
		}
		if a.pkgrel != b.pkgrel {
			return a.pkgrel < b.pkgrel // lower pkgrel preferred when pkgver ties
		}
		if a.source != b.source {
			return a.source == FromAport // aport over index
		}
		return a.name < b.name
	})
}
