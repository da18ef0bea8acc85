package recipe

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pmberrors "github.com/pmbootstrap/pmbootstrap/internal/errors"
)

const sampleIndex = `P:hello-world
V:1.0.0-r0
A:x86_64
D:musl so:libc.musl-x86_64.so.1
p:hello-world=1.0.0-r0
o:hello-world
C:Q1abcdef
S:1024
t:1700000000
X:some-future-key

P:libfoo
V:2.1.0-r3
A:x86_64
p:so:libfoo.so.1
`

func TestParseAPKINDEXToleratesUnknownKeys(t *testing.T) {
	idx, err := ParseAPKINDEX(strings.NewReader(sampleIndex))
	require.NoError(t, err)

	entries := idx.ByName("hello-world")
	require.Len(t, entries, 1)
	assert.Equal(t, "1.0.0-r0", entries[0].Version)
	assert.Equal(t, "some-future-key", entries[0].Unknown["X"])

	byProvider := idx.ByProvider("libfoo.so.1")
	assert.Len(t, byProvider, 0) // provides entry is "so:libfoo.so.1" verbatim, not stripped of prefix
	assert.NotEmpty(t, idx.ByProvider("so:libfoo.so.1"))
}

func TestParseAPKINDEXMissingPkgname(t *testing.T) {
	bad := "V:1.0.0-r0\nA:x86_64\n"
	_, err := ParseAPKINDEX(strings.NewReader(bad))
	require.Error(t, err)
	assert.Equal(t, pmberrors.KindIndexCorrupt, pmberrors.GetKind(err))
}

func TestParseAPKINDEXMissingVersion(t *testing.T) {
	bad := "P:hello-world\nA:x86_64\n"
	_, err := ParseAPKINDEX(strings.NewReader(bad))
	require.Error(t, err)
	assert.Equal(t, pmberrors.KindIndexCorrupt, pmberrors.GetKind(err))
}

func TestEntriesIsSinglePassLazy(t *testing.T) {
	idx, err := ParseAPKINDEX(strings.NewReader(sampleIndex))
	require.NoError(t, err)

	next := idx.Entries()
	var names []string
	for {
		e, ok := next()
		if !ok {
			break
		}
		names = append(names, e.Pkgname)
	}
	assert.Equal(t, []string{"hello-world", "libfoo"}, names)
}

func buildSignedArchive(t *testing.T, index string, signatures int) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	writeMember := func(name string, content []byte) {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(content)), Mode: 0o644}))
		_, err := tw.Write(content)
		require.NoError(t, err)
	}

	writeMember("APKINDEX", []byte(index))
	for i := 0; i < signatures; i++ {
		writeMember(".SIGN.RSA.pmbootstrap-test.rsa.pub", []byte("fake-signature"))
	}

	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestReadSignedArchiveRequiresExactlyOneSignature(t *testing.T) {
	archive := buildSignedArchive(t, sampleIndex, 1)
	idx, err := ReadSignedArchive(bytes.NewReader(archive))
	require.NoError(t, err)
	assert.NotEmpty(t, idx.ByName("hello-world"))

	noSig := buildSignedArchive(t, sampleIndex, 0)
	_, err = ReadSignedArchive(bytes.NewReader(noSig))
	require.Error(t, err)

	twoSigs := buildSignedArchive(t, sampleIndex, 2)
	_, err = ReadSignedArchive(bytes.NewReader(twoSigs))
	require.Error(t, err)
}
