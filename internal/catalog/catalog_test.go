package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleAPKBUILD = `pkgname=hello-world
pkgver=1.0.0
pkgrel=0
arch="all"
depends="musl"
build() {
	true
}
`

func TestLoadWalksTreeAndSkipsNonAPKBUILDFiles(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "main", "hello-world")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "APKBUILD"), []byte(sampleAPKBUILD), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("not a recipe"), 0o644))

	recipes, err := Load(root, nil)
	require.NoError(t, err)
	require.Len(t, recipes, 1)
	assert.Equal(t, "hello-world", recipes[0].Pkgname)
	assert.Equal(t, "1.0.0", recipes[0].Pkgver)
	assert.Equal(t, []string{"musl"}, recipes[0].Depends)
}

func TestLoadSkipsUnparsableAPKBUILDRatherThanAborting(t *testing.T) {
	root := t.TempDir()
	good := filepath.Join(root, "main", "hello-world")
	bad := filepath.Join(root, "main", "broken")
	require.NoError(t, os.MkdirAll(good, 0o755))
	require.NoError(t, os.MkdirAll(bad, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(good, "APKBUILD"), []byte(sampleAPKBUILD), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(bad, "APKBUILD"), []byte("pkgver=1.0.0\n"), 0o644))

	recipes, err := Load(root, nil)
	require.NoError(t, err)
	require.Len(t, recipes, 1)
	assert.Equal(t, "hello-world", recipes[0].Pkgname)
}
