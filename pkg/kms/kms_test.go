package kms

import (
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	raw := make([]byte, KeySize)
	_, err := rand.Read(raw)
	require.NoError(t, err)
	m, err := LoadFromBase64(base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, err)
	return m
}

func TestLoadFromBase64RejectsWrongLength(t *testing.T) {
	_, err := LoadFromBase64(base64.StdEncoding.EncodeToString([]byte("too-short")))
	require.Error(t, err)
}

func TestRotateKeepsOldVersionDecryptable(t *testing.T) {
	m := testManager(t)
	v1, key1 := m.ActiveKey()
	require.Equal(t, 1, v1)

	v2, err := m.Rotate()
	require.NoError(t, err)
	require.Equal(t, 2, v2)

	_, key2 := m.ActiveKey()
	require.NotEqual(t, key1, key2)

	old, err := m.KeyForVersion(v1)
	require.NoError(t, err)
	require.Equal(t, key1, old)
}

func TestKeyForUnknownVersion(t *testing.T) {
	m := testManager(t)
	_, err := m.KeyForVersion(99)
	require.ErrorIs(t, err, ErrUnknownVersion)
}

func TestPurgeRefusesActiveVersion(t *testing.T) {
	m := testManager(t)
	err := m.PurgeVersion(1)
	require.Error(t, err)
}

func TestPurgeOldVersion(t *testing.T) {
	m := testManager(t)
	_, err := m.Rotate()
	require.NoError(t, err)
	require.NoError(t, m.PurgeVersion(1))
	_, err = m.KeyForVersion(1)
	require.ErrorIs(t, err, ErrUnknownVersion)
}
