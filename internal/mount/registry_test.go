package mount

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseCounting(t *testing.T) {
	r := New()
	assert.Equal(t, 1, r.Acquire("native"))
	assert.Equal(t, 2, r.Acquire("native"))
	assert.Equal(t, 1, r.Release("native"))
	assert.Equal(t, 0, r.Release("native"))
}

func TestShutdownHealsStrayMounts(t *testing.T) {
	r := New()
	// No tracked records at all (simulating a prior aborted run), but
	// mountinfo still reports a leftover mount under the work dir.
	fake := FakeMountInfo{Targets: []string{"/work/chroot_native/proc", "/unrelated/proc"}}

	// Shutdown will attempt a real unix.Unmount on a path that doesn't
	// exist; that's expected to error, but it must not panic and must
	// report the condition rather than silently succeed.
	err := r.Shutdown("/work", fake)
	require.Error(t, err)
}

func TestMountedReflectsRecords(t *testing.T) {
	r := New()
	assert.False(t, r.Mounted("native"))
	r.mu.Lock()
	r.records["native"] = []Record{{ChrootID: "native", Target: "/work/chroot_native/proc", Kind: Proc}}
	r.mu.Unlock()
	assert.True(t, r.Mounted("native"))
}

func TestParseMountsUnderOrdersParentsBeforeChildren(t *testing.T) {
	sample := "1 0 0:0 / /work/chroot_native rw\n2 1 0:0 / /work/chroot_native/proc rw\n3 0 0:0 / /elsewhere rw\n"
	out, err := parseMountsUnder(strings.NewReader(sample), "/work")
	require.NoError(t, err)
	assert.Equal(t, []string{"/work/chroot_native", "/work/chroot_native/proc"}, out)
}
