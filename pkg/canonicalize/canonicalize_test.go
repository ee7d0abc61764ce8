package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJSONStableKeyOrder(t *testing.T) {
	a := map[string]any{"b": 1, "a": 2, "c": map[string]any{"z": 1, "y": 2}}
	b := map[string]any{"c": map[string]any{"y": 2, "z": 1}, "a": 2, "b": 1}

	ca, err := JSON(a)
	require.NoError(t, err)
	cb, err := JSON(b)
	require.NoError(t, err)

	require.Equal(t, string(ca), string(cb), "key order must not affect canonical form")
}

func TestHashDeterministic(t *testing.T) {
	v := struct {
		Tool   string   `json:"tool"`
		Action string   `json:"action"`
		Scopes []string `json:"scopes"`
	}{Tool: "serpapi", Action: "search", Scopes: []string{"read"}}

	h1, err := Hash(v)
	require.NoError(t, err)
	h2, err := Hash(v)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
	require.Len(t, h1, 64)
}

func TestNormalizeStringNFC(t *testing.T) {
	// "e" + combining acute accent vs precomposed "é" must normalize identically.
	decomposed := "é"
	precomposed := "é"

	require.Equal(t, NormalizeString(precomposed), NormalizeString(decomposed))
}
