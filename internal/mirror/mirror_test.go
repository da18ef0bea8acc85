package mirror

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pmberrors "github.com/pmbootstrap/pmbootstrap/internal/errors"
)

// mustSignedIndex builds a minimal valid signed APKINDEX.tar.gz for arch a:
// exactly one .SIGN.RSA.<keyname> member plus an APKINDEX text member.
func mustSignedIndex(t *testing.T, a string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	index := fmt.Sprintf("P:hello\nV:1.0.0-r0\nA:%s\n\n", a)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "APKINDEX", Size: int64(len(index)), Mode: 0o644}))
	_, err := tw.Write([]byte(index))
	require.NoError(t, err)

	require.NoError(t, tw.WriteHeader(&tar.Header{Name: ".SIGN.RSA.test@pmbootstrap", Size: 0, Mode: 0o644}))

	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestFetchBytesOverHTTPS(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("GET", "https://mirror.example/x86_64/APKINDEX.tar.gz",
		httpmock.NewBytesResponder(200, []byte("fake-index-bytes")))

	f := &Fetcher{Mirrors: []string{"https://mirror.example"}}
	b, err := f.FetchBytes(context.Background(), "x86_64/APKINDEX.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, []byte("fake-index-bytes"), b)
}

func TestFetchBytesAdvancesPastFailingMirror(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("GET", "https://dead.example/x86_64/APKINDEX.tar.gz",
		httpmock.NewStringResponder(500, "nope"))
	httpmock.RegisterResponder("GET", "https://live.example/x86_64/APKINDEX.tar.gz",
		httpmock.NewBytesResponder(200, []byte("ok")))

	f := &Fetcher{Mirrors: []string{"https://dead.example", "https://live.example"}}
	b, err := f.FetchBytes(context.Background(), "x86_64/APKINDEX.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), b)
}

func TestFetchBytesExhaustingAllMirrorsIsMirrorUnavailable(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("GET", "https://dead1.example/x86_64/APKINDEX.tar.gz",
		httpmock.NewStringResponder(500, "nope"))
	httpmock.RegisterResponder("GET", "https://dead2.example/x86_64/APKINDEX.tar.gz",
		httpmock.NewStringResponder(404, "nope"))

	f := &Fetcher{Mirrors: []string{"https://dead1.example", "https://dead2.example"}}
	_, err := f.FetchBytes(context.Background(), "x86_64/APKINDEX.tar.gz")
	require.Error(t, err)
	assert.Equal(t, pmberrors.KindMirrorUnavailable, pmberrors.GetKind(err))
}

func TestFetchBytesNoMirrorsConfigured(t *testing.T) {
	f := &Fetcher{}
	_, err := f.FetchBytes(context.Background(), "whatever")
	require.Error(t, err)
	assert.Equal(t, pmberrors.KindMirrorUnavailable, pmberrors.GetKind(err))
}

func TestFetchIndexesFetchesEveryArchConcurrently(t *testing.T) {
	dir := t.TempDir()
	for _, a := range []string{"x86_64", "armhf", "aarch64"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, a), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, a, "APKINDEX.tar.gz"), mustSignedIndex(t, a), 0o644))
	}

	f := &Fetcher{Mirrors: []string{"file://" + dir}}
	out, err := f.FetchIndexes(context.Background(), []string{"x86_64", "armhf", "aarch64"}, 2)
	require.NoError(t, err)
	assert.Len(t, out, 3)
	for _, a := range []string{"x86_64", "armhf", "aarch64"} {
		assert.NotNil(t, out[a])
	}
}

func TestFetchBytesOverFileMirror(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "armhf"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "armhf", "APKINDEX.tar.gz"), []byte("local-index"), 0o644))

	f := &Fetcher{Mirrors: []string{"file://" + dir}}
	b, err := f.FetchBytes(context.Background(), "armhf/APKINDEX.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, []byte("local-index"), b)
}
