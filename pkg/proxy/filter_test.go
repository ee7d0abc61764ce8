package proxy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFieldRedactorStripsConfiguredPaths(t *testing.T) {
	body := []byte(`{"results":["a","b"],"metadata":{"raw_html":"<html>","took_ms":12}}`)

	out, err := FieldRedactor{}.Filter(body, []string{"metadata.raw_html"})
	require.NoError(t, err)
	require.NotContains(t, string(out), "raw_html")
	require.Contains(t, string(out), "took_ms")
	require.Contains(t, string(out), `"results"`)
}

func TestFieldRedactorNoopsWithoutRedactPaths(t *testing.T) {
	body := []byte(`{"results":["a"]}`)

	out, err := FieldRedactor{}.Filter(body, nil)
	require.NoError(t, err)
	require.Equal(t, body, out)
}

func TestFieldRedactorNoopsOnNonObjectBody(t *testing.T) {
	body := []byte(`["a","b"]`)

	out, err := FieldRedactor{}.Filter(body, []string{"x"})
	require.NoError(t, err)
	require.Equal(t, body, out)
}
