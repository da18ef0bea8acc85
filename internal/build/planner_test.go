package build

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmbootstrap/pmbootstrap/internal/arch"
	pmberrors "github.com/pmbootstrap/pmbootstrap/internal/errors"
	"github.com/pmbootstrap/pmbootstrap/internal/recipe"
)

func emptyIndexReader() io.Reader {
	return strings.NewReader("")
}

func sampleBuiltIndexReader() io.Reader {
	return strings.NewReader("P:hello\nV:1.0.0-r0\nA:x86_64\n")
}

func TestExecuteFailsNoSuchAportBeforeTouchingChroot(t *testing.T) {
	env := &Env{
		Recipes: []recipe.APKBUILD{{Pkgname: "hello", Pkgver: "1.0.0", ArchList: []string{"all"}}},
		Index:   mustEmptyIndex(t),
		Native:  arch.X86_64,
	}

	_, err := Execute(context.Background(), env, Target{Pkgname: "does-not-exist", Arch: arch.X86_64})
	require.Error(t, err)
	assert.Equal(t, pmberrors.KindNoSuchAport, pmberrors.GetKind(err))
}

func TestExecuteFailsUnsupportedArchUnforced(t *testing.T) {
	env := &Env{
		Recipes: []recipe.APKBUILD{{Pkgname: "hello", Pkgver: "1.0.0", ArchList: []string{"armhf"}}},
		Index:   mustEmptyIndex(t),
		Native:  arch.X86_64,
	}

	_, err := Execute(context.Background(), env, Target{Pkgname: "hello", Arch: arch.X86_64})
	require.Error(t, err)
	assert.Equal(t, pmberrors.KindUnsupportedArch, pmberrors.GetKind(err))
}

func TestExecuteSkipsAlreadyBuilt(t *testing.T) {
	idx, err := recipe.ParseAPKINDEX(sampleBuiltIndexReader())
	require.NoError(t, err)

	env := &Env{
		Recipes: []recipe.APKBUILD{{Pkgname: "hello", Pkgver: "1.0.0", Pkgrel: 0, ArchList: []string{"all"}}},
		Index:   idx,
		Native:  arch.X86_64,
	}

	p, err := Execute(context.Background(), env, Target{Pkgname: "hello", Arch: arch.X86_64})
	require.NoError(t, err)
	assert.True(t, p.AlreadyBuilt)
}

func TestExecuteForceRebuildsEvenIfAlreadyBuilt(t *testing.T) {
	idx, err := recipe.ParseAPKINDEX(sampleBuiltIndexReader())
	require.NoError(t, err)

	env := &Env{
		Recipes: []recipe.APKBUILD{{Pkgname: "hello", Pkgver: "1.0.0", Pkgrel: 0, ArchList: []string{"all"}, Depends: []string{"missing-dep"}}},
		Index:   idx,
		Native:  arch.X86_64,
	}

	// Force=true skips the freshness short-circuit; it should now fail at
	// dependency resolution instead of returning AlreadyBuilt.
	_, err = Execute(context.Background(), env, Target{Pkgname: "hello", Arch: arch.X86_64, Force: true})
	require.Error(t, err)
	assert.Equal(t, pmberrors.KindMissingProvider, pmberrors.GetKind(err))
}

func mustEmptyIndex(t *testing.T) *recipe.Index {
	t.Helper()
	idx, err := recipe.ParseAPKINDEX(emptyIndexReader())
	require.NoError(t, err)
	return idx
}
