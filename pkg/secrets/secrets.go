// Package secrets implements the gateway's credential vault: tool
// credentials are stored envelope-encrypted under the process KEK, with
// exactly one active version per tool. Activation is linearizable per
// tool; a reader that acquired the active plaintext before a rotation
// keeps it for the lifetime of its in-flight call, while subsequent
// acquisitions observe the new version.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mindburn-labs/agent-gateway/pkg/crypto"
	"github.com/mindburn-labs/agent-gateway/pkg/kms"
)

// ErrNotFound is returned by Activate when the credential-id is unknown.
var ErrNotFound = errors.New("secrets: credential not found")

// ErrAlreadyActive is returned by Activate when the target version is
// already the active one for its tool.
var ErrAlreadyActive = errors.New("secrets: credential already active")

// ErrNoActiveCredential is returned by GetActive when a tool has no
// active credential version.
var ErrNoActiveCredential = errors.New("secrets: no active credential for tool")

// Record is the persisted, still-encrypted form of one credential version.
type Record struct {
	ID         string
	Tool       string
	Version    int
	Active     bool
	KEKVersion int
	Envelope   crypto.Envelope
	Metadata   map[string]string
	CreatedAt  time.Time
}

// VersionInfo is the public listing shape for list-versions.
type VersionInfo struct {
	Version   int
	Active    bool
	CreatedAt time.Time
}

// Repository persists credential records. Implementations must make
// SetActive atomic: the target row becomes active and any previously
// active row for the same tool becomes inactive, or neither change lands.
type Repository interface {
	Insert(ctx context.Context, rec *Record) error
	Get(ctx context.Context, credentialID string) (*Record, error)
	GetActive(ctx context.Context, tool string) (*Record, error)
	SetActive(ctx context.Context, tool, credentialID string) error
	ListVersions(ctx context.Context, tool string) ([]VersionInfo, error)
	ListActive(ctx context.Context) ([]*Record, error)
	UpdateEnvelope(ctx context.Context, credentialID string, env crypto.Envelope, kekVersion int) error
}

// Plaintext is a scoped acquisition of decrypted credential material.
// Callers must call Release on every exit path (success, error, panic);
// Release zeroes the backing buffer.
type Plaintext struct {
	Tool    string
	Version int
	bytes   []byte
}

// Bytes returns the decrypted credential material. The returned slice
// aliases the acquisition's buffer and must not be retained past Release.
func (p *Plaintext) Bytes() []byte { return p.bytes }

// Release zeroes the plaintext buffer. Safe to call more than once.
func (p *Plaintext) Release() {
	for i := range p.bytes {
		p.bytes[i] = 0
	}
}

// Store is the Secrets store: put, activate, get-active, list-versions,
// envelope-encrypted under the process KEK.
type Store struct {
	repo Repository
	kek  *kms.Manager

	mu sync.RWMutex // activate: writer; get-active: reader
}

// NewStore constructs a Store backed by repo and the given KEK manager.
func NewStore(repo Repository, kek *kms.Manager) *Store {
	return &Store{repo: repo, kek: kek}
}

// Put stores a new, inactive credential version for tool.
func (s *Store) Put(ctx context.Context, tool string, version int, plaintext []byte, metadata map[string]string) (credentialID string, err error) {
	kekVersion, key := s.kek.ActiveKey()

	env, err := crypto.EncryptEnvelope(key, plaintext)
	if err != nil {
		return "", fmt.Errorf("secrets: encrypt credential: %w", err)
	}

	rec := &Record{
		ID:         fmt.Sprintf("%s-v%d", tool, version),
		Tool:       tool,
		Version:    version,
		Active:     false,
		KEKVersion: kekVersion,
		Envelope:   *env,
		Metadata:   metadata,
		CreatedAt:  time.Now().UTC(),
	}

	if err := s.repo.Insert(ctx, rec); err != nil {
		return "", fmt.Errorf("secrets: insert credential: %w", err)
	}
	return rec.ID, nil
}

// Activate atomically marks credentialID active for its tool and the
// prior active version (if any) inactive.
func (s *Store) Activate(ctx context.Context, credentialID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.repo.Get(ctx, credentialID)
	if err != nil {
		return fmt.Errorf("secrets: lookup credential: %w", err)
	}
	if rec == nil {
		return ErrNotFound
	}
	if rec.Active {
		return ErrAlreadyActive
	}

	if err := s.repo.SetActive(ctx, rec.Tool, credentialID); err != nil {
		return fmt.Errorf("secrets: activate credential: %w", err)
	}
	return nil
}

// GetActive decrypts the active credential version for tool inside a
// caller-scoped acquisition. The caller must Release the result on
// every exit path.
func (s *Store) GetActive(ctx context.Context, tool string) (*Plaintext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, err := s.repo.GetActive(ctx, tool)
	if err != nil {
		return nil, fmt.Errorf("secrets: lookup active credential: %w", err)
	}
	if rec == nil {
		return nil, ErrNoActiveCredential
	}

	key, err := s.kek.KeyForVersion(rec.KEKVersion)
	if err != nil {
		return nil, fmt.Errorf("secrets: resolve kek version %d: %w", rec.KEKVersion, err)
	}

	plaintext, err := crypto.DecryptEnvelope(key, &rec.Envelope)
	if err != nil {
		return nil, fmt.Errorf("secrets: decrypt credential: %w", err)
	}

	return &Plaintext{Tool: tool, Version: rec.Version, bytes: plaintext}, nil
}

// ListVersions returns every stored version for tool, oldest first.
func (s *Store) ListVersions(ctx context.Context, tool string) ([]VersionInfo, error) {
	return s.repo.ListVersions(ctx, tool)
}

// RewrapActive re-encrypts every active credential under the KEK's
// current active version. Called after Rotate so that old KEK versions
// can eventually be purged without losing access to live credentials.
func (s *Store) RewrapActive(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	active, err := s.repo.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("secrets: list active credentials: %w", err)
	}

	newVersion, newKey := s.kek.ActiveKey()
	for _, rec := range active {
		if rec.KEKVersion == newVersion {
			continue
		}

		oldKey, err := s.kek.KeyForVersion(rec.KEKVersion)
		if err != nil {
			return fmt.Errorf("secrets: resolve kek version %d for %s: %w", rec.KEKVersion, rec.ID, err)
		}

		plaintext, err := crypto.DecryptEnvelope(oldKey, &rec.Envelope)
		if err != nil {
			return fmt.Errorf("secrets: decrypt %s during rewrap: %w", rec.ID, err)
		}

		newEnv, err := crypto.EncryptEnvelope(newKey, plaintext)
		for i := range plaintext {
			plaintext[i] = 0
		}
		if err != nil {
			return fmt.Errorf("secrets: re-encrypt %s during rewrap: %w", rec.ID, err)
		}

		if err := s.repo.UpdateEnvelope(ctx, rec.ID, *newEnv, newVersion); err != nil {
			return fmt.Errorf("secrets: persist rewrapped %s: %w", rec.ID, err)
		}
	}
	return nil
}
