package tooling

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFingerprintStableUnderKeyOrder(t *testing.T) {
	req1 := Request{
		Tool:   "http_fetch",
		Action: "get",
		Params: map[string]interface{}{"url": "https://example.com", "timeout_ms": float64(5000)},
		ScopeHash: "scope-1",
	}
	req2 := Request{
		Tool:   "http_fetch",
		Action: "get",
		Params: map[string]interface{}{"timeout_ms": float64(5000), "url": "https://example.com"},
		ScopeHash: "scope-1",
	}

	fp1, err := Fingerprint(req1)
	require.NoError(t, err)
	fp2, err := Fingerprint(req2)
	require.NoError(t, err)
	require.Equal(t, fp1, fp2)
}

func TestFingerprintDiffersOnScope(t *testing.T) {
	base := Request{Tool: "serpapi", Action: "search", Params: map[string]interface{}{"q": "go"}, ScopeHash: "a"}
	other := base
	other.ScopeHash = "b"

	fp1, err := Fingerprint(base)
	require.NoError(t, err)
	fp2, err := Fingerprint(other)
	require.NoError(t, err)
	require.NotEqual(t, fp1, fp2)
}

func TestFingerprintNFCInsensitive(t *testing.T) {
	decomposed := Request{Tool: "mail", Action: "send", Params: map[string]interface{}{"subject": "café"}, ScopeHash: "s"}
	precomposed := Request{Tool: "mail", Action: "send", Params: map[string]interface{}{"subject": "café"}, ScopeHash: "s"}

	fp1, err := Fingerprint(decomposed)
	require.NoError(t, err)
	fp2, err := Fingerprint(precomposed)
	require.NoError(t, err)
	require.Equal(t, fp1, fp2)
}

func TestScopeHashOrderIndependent(t *testing.T) {
	h1, err := ScopeHash([]string{"serpapi", "http_fetch"}, []string{"search", "get"})
	require.NoError(t, err)
	h2, err := ScopeHash([]string{"http_fetch", "serpapi"}, []string{"get", "search"})
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Descriptor{
		Tool: "serpapi", Action: "search",
		CostEnvelope: CostEnvelope{MaxLatencyMs: 3000, MaxConcurrency: 4, CacheTTLSeconds: 60},
	}))

	d, ok := r.Get("serpapi", "search")
	require.True(t, ok)
	require.Equal(t, 3000, d.CostEnvelope.MaxLatencyMs)

	_, ok = r.Get("serpapi", "unknown")
	require.False(t, ok)
}

func TestRegistryRejectsEmptyKey(t *testing.T) {
	r := NewRegistry()
	err := r.Register(Descriptor{Tool: "", Action: "search"})
	require.Error(t, err)
}
