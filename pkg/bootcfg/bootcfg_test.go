package bootcfg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesTeacherConstants(t *testing.T) {
	c := Default()
	assert.Equal(t, 1<<16, c.ReservedPages)
	assert.Equal(t, 100, c.JiffiesPerSec)
	assert.Equal(t, "/", c.RootMountPath)
	assert.Equal(t, 5, c.SchedQuantum)
}

func TestParseOverridesSelectedFlags(t *testing.T) {
	c := Parse([]string{"--jiffies-per-sec=250", "--root-mount=/boot"})
	require.NotNil(t, c)
	assert.Equal(t, 250, c.JiffiesPerSec)
	assert.Equal(t, "/boot", c.RootMountPath)
	// Untouched flags still fall back to Default().
	assert.Equal(t, 1<<16, c.ReservedPages)
	assert.Equal(t, 5, c.SchedQuantum)
}

func TestParseIgnoresUnknownFlagsAndKeepsDefaults(t *testing.T) {
	c := Parse([]string{"--not-a-real-flag=1"})
	assert.Equal(t, Default(), c)
}

func TestParseWithNoArgsReturnsDefaults(t *testing.T) {
	assert.Equal(t, Default(), Parse(nil))
}
