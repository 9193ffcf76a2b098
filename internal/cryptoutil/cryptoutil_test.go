package cryptoutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsHexString(t *testing.T) {
	assert.True(t, IsHexString("0123456789abcdefABCDEF"))
	assert.True(t, IsHexString(""))
	assert.False(t, IsHexString("xyz"))
	assert.False(t, IsHexString("deadbeef "))
}

func TestCanonicalJSON_SortsKeys(t *testing.T) {
	a, err := CanonicalJSON(map[string]interface{}{"b": 1, "a": 2})
	require.NoError(t, err)
	b, err := CanonicalJSON(map[string]interface{}{"a": 2, "b": 1})
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
	assert.Equal(t, `{"a":2,"b":1}`, string(a))
}

func TestCanonicalJSON_NestedAndNumbers(t *testing.T) {
	out, err := CanonicalJSON(map[string]interface{}{
		"z": []interface{}{map[string]interface{}{"k2": "v", "k1": 1.5}},
		"a": int64(1712000000000),
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1712000000000,"z":[{"k1":1.5,"k2":"v"}]}`, string(out))
}

func TestCanonicalJSON_Stable(t *testing.T) {
	in := map[string]interface{}{"tool": "docs-search", "tenant": "acme", "n": 3}
	first, err := CanonicalJSON(in)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := CanonicalJSON(in)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}
