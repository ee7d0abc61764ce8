package secrets

import "context"

// Backend is the narrow interface an external secrets manager (e.g.
// HashiCorp Vault's transit/KV engines) would implement to supply
// credential material instead of the local envelope-encrypted
// repository. Only the interface and a test double are provided here.
// Nothing in the gateway wires a Backend into the Store, so
// SECRETS_BACKEND=vault passes config validation but changes nothing.
type Backend interface {
	Read(ctx context.Context, tool string) ([]byte, error)
	Write(ctx context.Context, tool string, plaintext []byte) error
}

// NoopBackend is a test double for Backend that serves from an
// in-memory map, standing in for a real vault integration in tests.
type NoopBackend struct {
	data map[string][]byte
}

func NewNoopBackend() *NoopBackend {
	return &NoopBackend{data: make(map[string][]byte)}
}

func (b *NoopBackend) Read(ctx context.Context, tool string) ([]byte, error) {
	v, ok := b.data[tool]
	if !ok {
		return nil, ErrNoActiveCredential
	}
	return v, nil
}

func (b *NoopBackend) Write(ctx context.Context, tool string, plaintext []byte) error {
	b.data[tool] = plaintext
	return nil
}
