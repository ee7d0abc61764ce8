package secrets

import (
	"context"
	"sort"
	"sync"

	"github.com/mindburn-labs/agent-gateway/pkg/crypto"
)

// MemoryRepository implements Repository in memory. Thread-safe via RWMutex.
// Used by tests and by single-process deployments without a database.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]*Record // credential-id -> record
	active  map[string]string  // tool -> active credential-id
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		records: make(map[string]*Record),
		active:  make(map[string]string),
	}
}

func (r *MemoryRepository) Insert(ctx context.Context, rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *rec
	r.records[rec.ID] = &cp
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, credentialID string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[credentialID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (r *MemoryRepository) GetActive(ctx context.Context, tool string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.active[tool]
	if !ok {
		return nil, nil
	}
	rec := r.records[id]
	cp := *rec
	return &cp, nil
}

func (r *MemoryRepository) SetActive(ctx context.Context, tool, credentialID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prevID, ok := r.active[tool]; ok {
		if prev, ok := r.records[prevID]; ok {
			prev.Active = false
		}
	}
	rec, ok := r.records[credentialID]
	if !ok {
		return ErrNotFound
	}
	rec.Active = true
	r.active[tool] = credentialID
	return nil
}

func (r *MemoryRepository) ListVersions(ctx context.Context, tool string) ([]VersionInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []VersionInfo
	for _, rec := range r.records {
		if rec.Tool != tool {
			continue
		}
		out = append(out, VersionInfo{Version: rec.Version, Active: rec.Active, CreatedAt: rec.CreatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (r *MemoryRepository) ListActive(ctx context.Context) ([]*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Record, 0, len(r.active))
	for _, id := range r.active {
		cp := *r.records[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (r *MemoryRepository) UpdateEnvelope(ctx context.Context, credentialID string, env crypto.Envelope, kekVersion int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[credentialID]
	if !ok {
		return ErrNotFound
	}
	rec.Envelope = env
	rec.KEKVersion = kekVersion
	return nil
}
