package mount

import (
	"bufio"
	"io"
	"os"
	"strings"
)

// MountInfoReader abstracts /proc/self/mountinfo so tests can fake it.
type MountInfoReader interface {
	// MountsUnder returns every mount target path under prefix, in the
	// order they appear in mountinfo (parents before children).
	MountsUnder(prefix string) ([]string, error)
}

// ProcMountInfo reads the real /proc/self/mountinfo.
type ProcMountInfo struct{}

// MountsUnder implements MountInfoReader.
func (ProcMountInfo) MountsUnder(prefix string) ([]string, error) {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseMountsUnder(f, prefix)
}

func parseMountsUnder(r io.Reader, prefix string) ([]string, error) {
	var out []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		// mountinfo format: id parent major:minor root mountpoint opts ...
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			continue
		}
		target := fields[4]
		if strings.HasPrefix(target, prefix) {
			out = append(out, target)
		}
	}
	return out, scanner.Err()
}

// FakeMountInfo is an in-memory MountInfoReader for tests.
type FakeMountInfo struct {
	Targets []string
}

// MountsUnder implements MountInfoReader.
func (f FakeMountInfo) MountsUnder(prefix string) ([]string, error) {
	var out []string
	for _, t := range f.Targets {
		if strings.HasPrefix(t, prefix) {
			out = append(out, t)
		}
	}
	return out, nil
}
