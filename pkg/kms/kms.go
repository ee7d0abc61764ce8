// Package kms manages the process-wide Key Encryption Key (KEK) used to
// envelope-encrypt credentials at rest. The KEK is loaded once at startup
// from configuration (KEK_BASE64); rotation keeps prior versions available
// for decrypting envelopes minted before the rotation, while directing all
// new encryptions to the new active version.
package kms

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
)

// KeySize is the required KEK length: 32 bytes for AES-256.
const KeySize = 32

// ErrUnknownVersion is returned when a caller asks for a KEK version that
// has never existed in this process (e.g. a credential from a different
// environment, or a version purged by an operator).
var ErrUnknownVersion = errors.New("kms: unknown key version")

// Manager holds the active KEK plus any prior versions still needed to
// decrypt envelopes minted before a rotation.
type Manager struct {
	mu            sync.RWMutex
	activeVersion int
	keys          map[int][]byte
}

// LoadFromBase64 initializes the manager with a single version-1 KEK
// decoded from a base64 string (the KEK_BASE64 configuration variable).
func LoadFromBase64(encoded string) (*Manager, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("kms: decode KEK_BASE64: %w", err)
	}
	if len(raw) != KeySize {
		return nil, fmt.Errorf("kms: KEK must be %d bytes, got %d", KeySize, len(raw))
	}

	return &Manager{
		activeVersion: 1,
		keys:          map[int][]byte{1: raw},
	}, nil
}

// ActiveVersion returns the current active KEK version number.
func (m *Manager) ActiveVersion() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeVersion
}

// ActiveKey returns the current active KEK and its version.
func (m *Manager) ActiveKey() (version int, key []byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeVersion, m.keys[m.activeVersion]
}

// KeyForVersion returns the KEK for a specific version, for decrypting
// envelopes minted before a subsequent rotation.
func (m *Manager) KeyForVersion(version int) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.keys[version]
	if !ok {
		return nil, ErrUnknownVersion
	}
	return key, nil
}

// Rotate generates a fresh KEK and makes it the active version. Prior
// versions remain available via KeyForVersion until explicitly purged.
func (m *Manager) Rotate() (version int, err error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return 0, fmt.Errorf("kms: generate key: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeVersion++
	m.keys[m.activeVersion] = key
	return m.activeVersion, nil
}

// PurgeVersion removes a non-active KEK version once the caller has
// confirmed no credential still references it (post rewrap). It refuses
// to purge the active version.
func (m *Manager) PurgeVersion(version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if version == m.activeVersion {
		return errors.New("kms: cannot purge the active version")
	}
	delete(m.keys, version)
	return nil
}
