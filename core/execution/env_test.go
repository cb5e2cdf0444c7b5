package execution

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeEnv(t *testing.T) {
	base := []string{"PATH=/bin", "HOME=/root", "EMPTY="}
	env, err := MergeEnv(base, map[string]string{"HOME": "/tmp", "NEW": "x=y"}, []string{"EMPTY", "MISSING"})
	require.NoError(t, err)
	assert.Equal(t, []string{"PATH=/bin", "HOME=/tmp", "NEW=x=y"}, env)
	assert.Equal(t, []string{"PATH=/bin", "HOME=/root", "EMPTY="}, base, "base must not change")

	v, ok := LookupEnv(env, "NEW")
	assert.True(t, ok)
	assert.Equal(t, "x=y", v)
	_, ok = LookupEnv(env, "EMPTY")
	assert.False(t, ok)
}

func TestMergeEnvRejectsBadNames(t *testing.T) {
	for _, name := range []string{"", "A=B", "A\x00"} {
		_, err := MergeEnv(nil, map[string]string{name: "v"}, nil)
		assert.ErrorIs(t, err, ErrInvalidOptions, "name %q", name)
		_, err = MergeEnv(nil, nil, []string{name})
		assert.ErrorIs(t, err, ErrInvalidOptions, "unset %q", name)
	}
	_, err := MergeEnv(nil, map[string]string{"A": "x\x00y"}, nil)
	assert.ErrorIs(t, err, ErrInvalidOptions)
}

func TestLookupEnvLastWins(t *testing.T) {
	v, ok := LookupEnv([]string{"A=1", "A=2"}, "A")
	require.True(t, ok)
	assert.Equal(t, "2", v)
}
