package recipe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleAPKBUILD = `# Contributor: Jane Dev <jane@example.com>
pkgname=hello-world
pkgver=1.0.0
pkgrel=0
pkgdesc="Hello world"
arch="all"
license="MIT"
depends="musl"
makedepends="gcc musl-dev"
options="!check"
subpackages="$pkgname-doc:doc"
provides="hello=$pkgver-r$pkgrel"

build() {
	make
}
`

func TestParseFastBasics(t *testing.T) {
	a, err := ParseFast(sampleAPKBUILD, "/aports/main/hello-world")
	require.NoError(t, err)

	assert.Equal(t, "hello-world", a.Pkgname)
	assert.Equal(t, "1.0.0", a.Pkgver)
	assert.Equal(t, 0, a.Pkgrel)
	assert.Equal(t, []string{"all"}, a.ArchList)
	assert.Equal(t, []string{"musl"}, a.Depends)
	assert.Equal(t, []string{"gcc", "musl-dev"}, a.MakeDepends)
	assert.False(t, a.Options.Check)
	assert.True(t, a.Options.Strip)
	require.Len(t, a.Subpackages, 1)
	assert.Equal(t, "hello-world-doc", a.Subpackages[0].Name)
	assert.Equal(t, "doc", a.Subpackages[0].Function)
}

func TestParseFastRejectsMissingPkgname(t *testing.T) {
	_, err := ParseFast("pkgver=1.0.0\n", "/aports/x")
	require.Error(t, err)
}

func TestSupportsArch(t *testing.T) {
	a := APKBUILD{ArchList: []string{"armhf", "!armv7"}}
	assert.True(t, a.SupportsArch("armhf"))
	assert.False(t, a.SupportsArch("armv7"))
	assert.False(t, a.SupportsArch("x86_64"))

	all := APKBUILD{ArchList: []string{"all"}}
	assert.True(t, all.SupportsArch("riscv64"))
}
