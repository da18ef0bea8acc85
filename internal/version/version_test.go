package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pmberrors "github.com/pmbootstrap/pmbootstrap/internal/errors"
)

func TestParseAccepts(t *testing.T) {
	for _, raw := range []string{
		"1", "1.2", "1.2.3a", "1.2_rc3", "1.2-r5", "1.2.3_git20220101",
	} {
		_, err := Parse(raw)
		assert.NoError(t, err, "expected %q to parse", raw)
	}
}

func TestParseRejects(t *testing.T) {
	for _, raw := range []string{"1..2", "1.2-", ""} {
		_, err := Parse(raw)
		require.Error(t, err, "expected %q to be rejected", raw)
		assert.Equal(t, pmberrors.KindVersionMalformed, pmberrors.GetKind(err))
	}
}

func TestCompareAntisymmetric(t *testing.T) {
	pairs := [][2]string{
		{"1.0.0", "1.0.1"},
		{"1.2.3a", "1.2.3"},
		{"1.2.3", "1.2.4"},
		{"1.2_alpha1", "1.2_beta1"},
		{"1.2-r1", "1.2-r2"},
		{"1.2.3_git20220101", "1.2.3_p1"},
	}
	for _, p := range pairs {
		v1, err := Parse(p[0])
		require.NoError(t, err)
		v2, err := Parse(p[1])
		require.NoError(t, err)
		assert.Equal(t, -v1.Compare(v2), v2.Compare(v1), "cmp(%s,%s) != -cmp(%s,%s)", p[0], p[1], p[1], p[0])
	}
}

func TestPostReleaseLetterOrdering(t *testing.T) {
	base := MustParse("1.2.3")
	post := MustParse("1.2.3a")
	next := MustParse("1.2.4")
	assert.True(t, post.GreaterThan(base))
	assert.True(t, next.GreaterThan(post))
}

func TestSuffixOrdering(t *testing.T) {
	order := []string{"1.0_alpha1", "1.0_beta1", "1.0_pre1", "1.0_rc1", "1.0", "1.0_cvs1", "1.0_svn1", "1.0_git1", "1.0_hg1", "1.0_p1"}
	var parsed []Version
	for _, raw := range order {
		parsed = append(parsed, MustParse(raw))
	}
	for i := 1; i < len(parsed); i++ {
		assert.True(t, parsed[i].GreaterThan(parsed[i-1]), "%s should sort above %s", order[i], order[i-1])
	}
}

func TestConstraintCheck(t *testing.T) {
	v := MustParse("2.0.0")
	cases := []struct {
		constraint string
		want       bool
	}{
		{"=2.0.0", true},
		{"<2.0.0", false},
		{"<=2.0.0", true},
		{">2.0.0", false},
		{">=2.0.0", true},
		{"><2.0.1", true},
		{"~2.0.0", true},
		{"~1.9.0", false},
	}
	for _, c := range cases {
		cons, err := ParseConstraint(c.constraint)
		require.NoError(t, err)
		assert.Equal(t, c.want, cons.Check(v), "constraint %q against %s", c.constraint, v)
	}
}

func TestAnyConstraint(t *testing.T) {
	cons, err := ParseConstraint("")
	require.NoError(t, err)
	assert.True(t, cons.Check(MustParse("0.0.1")))
}
