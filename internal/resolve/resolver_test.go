package resolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmbootstrap/pmbootstrap/internal/arch"
	"github.com/pmbootstrap/pmbootstrap/internal/recipe"
)

func TestResolveEmptyRootsIsEmptyNotError(t *testing.T) {
	out, err := Resolve(Catalog{Arch: arch.X86_64}, nil, false)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestResolveSimpleChain(t *testing.T) {
	catalog := Catalog{
		Arch: arch.X86_64,
		Recipes: []recipe.APKBUILD{
			{Pkgname: "hello", Pkgver: "1.0.0", ArchList: []string{"all"}, Depends: []string{"musl"}},
			{Pkgname: "musl", Pkgver: "1.2.3", ArchList: []string{"all"}},
		},
	}

	out, err := Resolve(catalog, []string{"hello"}, false)
	require.NoError(t, err)

	names := map[string]Assignment{}
	for _, a := range out {
		names[a.Pkgname] = a
	}
	require.Contains(t, names, "hello")
	require.Contains(t, names, "musl")
	assert.Equal(t, FromAport, names["musl"].Source)
}

func TestResolveConflictingConstraints(t *testing.T) {
	catalog := Catalog{
		Arch: arch.X86_64,
		Recipes: []recipe.APKBUILD{
			{Pkgname: "liba", Pkgver: "1.0.0", ArchList: []string{"all"}, Depends: []string{"shared>=2.0.0"}},
			{Pkgname: "libb", Pkgver: "1.0.0", ArchList: []string{"all"}, Depends: []string{"shared<1.0.0"}},
			{Pkgname: "shared", Pkgver: "1.5.0", ArchList: []string{"all"}},
		},
	}

	_, err := Resolve(catalog, []string{"liba", "libb"}, false)
	require.Error(t, err)
}

func TestResolveMissingProvider(t *testing.T) {
	catalog := Catalog{Arch: arch.X86_64}
	_, err := Resolve(catalog, []string{"does-not-exist"}, false)
	require.Error(t, err)
}

func TestResolvePrefersHigherPkgverThenLowerPkgrel(t *testing.T) {
	catalog := Catalog{
		Arch: arch.X86_64,
		Recipes: []recipe.APKBUILD{
			{Pkgname: "pick", Pkgver: "1.0.0", Pkgrel: 5, ArchList: []string{"all"}},
			{Pkgname: "pick", Pkgver: "2.0.0", Pkgrel: 1, ArchList: []string{"all"}},
			{Pkgname: "pick", Pkgver: "2.0.0", Pkgrel: 0, ArchList: []string{"all"}},
		},
	}

	out, err := Resolve(catalog, []string{"pick"}, false)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "2.0.0-r0", out[0].Version)
}

func TestResolveRuntimeCycleAllowed(t *testing.T) {
	catalog := Catalog{
		Arch: arch.X86_64,
		Recipes: []recipe.APKBUILD{
			{Pkgname: "a", Pkgver: "1.0.0", ArchList: []string{"all"}, Depends: []string{"b"}},
			{Pkgname: "b", Pkgver: "1.0.0", ArchList: []string{"all"}, Depends: []string{"a"}},
		},
	}

	out, err := Resolve(catalog, []string{"a"}, false)
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestResolveMakedependsCycleRequiresBootstrapOrder(t *testing.T) {
	catalog := Catalog{
		Arch: arch.X86_64,
		Recipes: []recipe.APKBUILD{
			{Pkgname: "gcc", Pkgver: "1.0.0", ArchList: []string{"all"}, MakeDepends: []string{"gcc-pass2"}},
			{Pkgname: "gcc-pass2", Pkgver: "1.0.0", ArchList: []string{"all"}, MakeDepends: []string{"gcc"}},
		},
	}

	_, err := Resolve(catalog, []string{"gcc"}, true)
	require.Error(t, err)

	catalog.BootstrapOrder = map[string][]string{"gcc": {"gcc-pass2"}}
	out, err := Resolve(catalog, []string{"gcc"}, true)
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}
