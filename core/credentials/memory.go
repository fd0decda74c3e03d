package credentials

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relabs-tech/bastion/core"
)

// MemoryStore is an in-process Store for tests and local development
type MemoryStore struct {
	mu        sync.Mutex
	keys      map[uuid.UUID]APIKeyRecord
	providers map[string]ProviderCredential
}

// NewMemoryStore returns an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:      map[uuid.UUID]APIKeyRecord{},
		providers: map[string]ProviderCredential{},
	}
}

// InsertAPIKey implements Store
func (s *MemoryStore) InsertAPIKey(ctx context.Context, rec APIKeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[rec.ID] = rec
	return nil
}

// APIKeyByHash implements Store
func (s *MemoryStore) APIKeyByHash(ctx context.Context, hash string) (*APIKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.keys {
		if rec.KeyHash == hash {
			return &rec, nil
		}
	}
	return nil, core.Errorf(core.KindNotFound, "api key not found")
}

// APIKeysByCreator implements Store
func (s *MemoryStore) APIKeysByCreator(ctx context.Context, createdBy string) ([]APIKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := []APIKeyRecord{}
	for _, rec := range s.keys {
		if rec.CreatedBy == createdBy {
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.After(records[j].CreatedAt) })
	return records, nil
}

// DeactivateAPIKey implements Store
func (s *MemoryStore) DeactivateAPIKey(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.keys[id]; ok {
		rec.IsActive = false
		s.keys[id] = rec
	}
	return nil
}

// DeleteAPIKey implements Store
func (s *MemoryStore) DeleteAPIKey(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, id)
	return nil
}

// TouchAPIKey implements Store
func (s *MemoryStore) TouchAPIKey(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.keys[id]; ok {
		rec.LastUsedAt = &at
		s.keys[id] = rec
	}
	return nil
}

// Provider implements Store
func (s *MemoryStore) Provider(ctx context.Context, provider string) (*ProviderCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[provider]
	if !ok {
		return nil, core.Errorf(core.KindNotFound, "provider '%s' not found", provider)
	}
	return &p, nil
}

// Providers implements Store
func (s *MemoryStore) Providers(ctx context.Context) ([]ProviderCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	providers := []ProviderCredential{}
	for _, p := range s.providers {
		providers = append(providers, p)
	}
	sort.Slice(providers, func(i, j int) bool { return providers[i].Provider < providers[j].Provider })
	return providers, nil
}

// UpsertProvider implements Store
func (s *MemoryStore) UpsertProvider(ctx context.Context, p ProviderCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.UpdatedAt = time.Now().UTC()
	s.providers[p.Provider] = p
	return nil
}
