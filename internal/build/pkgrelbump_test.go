package build

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmbootstrap/pmbootstrap/internal/arch"
	pmberrors "github.com/pmbootstrap/pmbootstrap/internal/errors"
	"github.com/pmbootstrap/pmbootstrap/internal/recipe"
)

func TestAutoBumpPropagatesThroughDependents(t *testing.T) {
	recipes := []recipe.APKBUILD{
		{Pkgname: "libfoo", Pkgrel: 2},
		{Pkgname: "app-a", Pkgrel: 0, Depends: []string{"libfoo"}},
		{Pkgname: "app-b", Pkgrel: 1, Depends: []string{"app-a"}},
		{Pkgname: "unrelated", Pkgrel: 0},
	}

	changed := func(name string, target arch.Arch) bool { return name == "libfoo" }

	results, err := AutoBump(recipes, arch.X86_64, changed)
	require.NoError(t, err)

	byName := map[string]BumpResult{}
	for _, r := range results {
		byName[r.Pkgname] = r
	}
	assert.Contains(t, byName, "libfoo")
	assert.Contains(t, byName, "app-a")
	assert.Contains(t, byName, "app-b")
	assert.NotContains(t, byName, "unrelated")
}

func TestAutoBumpNoChangesIsEmpty(t *testing.T) {
	recipes := []recipe.APKBUILD{{Pkgname: "libfoo"}}
	results, err := AutoBump(recipes, arch.X86_64, func(string, arch.Arch) bool { return false })
	require.NoError(t, err)
	assert.Empty(t, results)
}

// TestAutoBumpReportsNonConvergence builds a dependency chain one package
// deep per round and longer than maxBumpRounds, so the fixed-point loop
// must hit its cap before the whole chain settles.
func TestAutoBumpReportsNonConvergence(t *testing.T) {
	const chainLen = maxBumpRounds + 10

	recipes := make([]recipe.APKBUILD, 0, chainLen)
	recipes = append(recipes, recipe.APKBUILD{Pkgname: "pkg0"})
	for i := 1; i < chainLen; i++ {
		recipes = append(recipes, recipe.APKBUILD{
			Pkgname: fmt.Sprintf("pkg%d", i),
			Depends: []string{fmt.Sprintf("pkg%d", i-1)},
		})
	}

	_, err := AutoBump(recipes, arch.X86_64, func(name string, a arch.Arch) bool { return name == "pkg0" })
	require.Error(t, err)
	assert.Equal(t, pmberrors.KindPkgrelBumpNonConverging, pmberrors.GetKind(err))
}
