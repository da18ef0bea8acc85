package privilege

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSelectHonorsEnvOverride(t *testing.T) {
	os.Setenv(EnvOverride, "my-escalator")
	defer os.Unsetenv(EnvOverride)
	assert.Equal(t, "my-escalator", Select())
}

func TestArgvShape(t *testing.T) {
	os.Setenv(EnvOverride, "sudo")
	defer os.Unsetenv(EnvOverride)
	argv := Argv([]string{"apk.static", "--initdb"}, nil)
	assert.Equal(t, []string{"sudo", "-E", "--", "apk.static", "--initdb"}, argv)
}
