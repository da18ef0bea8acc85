// Package recipe parses Alpine package metadata: APKBUILD recipes and
// APKINDEX archives, into the typed records of spec §3. The regex-based
// name/version parsing is grounded on
// other_examples/06179ad6_qbee-io-qbee-agent__...package_manager_apk.go.go;
// the index archive walk is grounded on
// other_examples/3ab8909d_arc-language-upkg__pkg-apk-manager.go.go's
// tar+gzip handling of apk's .PKGINFO/.SIGN. member prefixes.
package recipe

import (
	"fmt"

	"github.com/pmbootstrap/pmbootstrap/internal/arch"
)

// Options is the !flag options an APKBUILD can set.
type Options struct {
	Check bool // true unless "!check" is set
	Strip bool // true unless "!strip" is set
}

// Subpackage is one logical package whose source is a parent APKBUILD.
type Subpackage struct {
	Name      string
	Function  string // the shell function name producing it, e.g. "doc"
	Depends   []string
}

// Source is one fetched source entry with its expected checksum.
type Source struct {
	URL      string // may be a bare filename for local patches
	SHA512   string
}

// APKBUILD is a parsed package recipe (spec §3).
type APKBUILD struct {
	Pkgname      string
	Pkgver       string
	Pkgrel       int
	Origin       string // origin repository, part of recipe identity
	ArchList     []string
	Depends      []string
	MakeDepends  []string
	CheckDepends []string
	Subpackages  []Subpackage
	Provides     []string
	Sources      []Source
	Options      Options

	// Dir is the aport directory this recipe was loaded from.
	Dir string
}

// FullVersion returns "pkgver-rpkgrel", the identity used throughout the
// build planner and resolver.
func (a APKBUILD) FullVersion() string {
	return fmt.Sprintf("%s-r%d", a.Pkgver, a.Pkgrel)
}

// ProvidesName reports whether name is either a.Pkgname, one of its
// subpackages, or listed in a.Provides.
func (a APKBUILD) ProvidesName(name string) bool {
	if a.Pkgname == name {
		return true
	}
	for _, sp := range a.Subpackages {
		if sp.Name == name {
			return true
		}
	}
	for _, p := range a.Provides {
		if providerName(p) == name {
			return true
		}
	}
	return false
}

// SupportsArch reports whether a's arch list accepts target, per spec
// §4.5 step 2 (wildcards all/noarch, negations !arch).
func (a APKBUILD) SupportsArch(target arch.Arch) bool {
	return arch.MatchesList(target, a.ArchList)
}

// providerName strips an optional "=version" suffix from a provides entry.
func providerName(p string) string {
	for i, c := range p {
		if c == '=' {
			return p[:i]
		}
	}
	return p
}
