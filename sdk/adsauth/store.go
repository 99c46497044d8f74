package adsauth

import (
	"context"
	"sync"
)

// StoreKey identifies one piece of token material within a region's record.
type StoreKey string

const (
	// KeyAccessToken is the short-lived credential used to call the API.
	KeyAccessToken StoreKey = "access_token"
	// KeyRefreshToken is the longer-lived credential used to obtain new
	// access tokens.
	KeyRefreshToken StoreKey = "refresh_token"
	// KeyTokenExpiry is the access token expiry as an RFC 3339 timestamp.
	KeyTokenExpiry StoreKey = "token_expiry"
)

// TokenStore abstracts persistence of token material across restarts. Keys
// are scoped per region, so stores may be accessed concurrently from
// different regions; implementations serialize their own writes.
//
// Retrieve returns ErrNotFound when no value exists for the key.
type TokenStore interface {
	// Save persists value under key for the region, replacing any existing value.
	Save(ctx context.Context, region Region, key StoreKey, value string) error
	// Retrieve returns the value stored under key for the region.
	Retrieve(ctx context.Context, region Region, key StoreKey) (string, error)
	// Exists reports whether a value is stored under key for the region.
	Exists(ctx context.Context, region Region, key StoreKey) (bool, error)
	// Delete removes the value stored under key for the region.
	Delete(ctx context.Context, region Region, key StoreKey) error
	// DeleteAll removes every value stored for the region.
	DeleteAll(ctx context.Context, region Region) error
}

// MemoryTokenStore keeps token material in process memory. It is the default
// for short-lived processes and the primary test double.
type MemoryTokenStore struct {
	mu      sync.RWMutex
	records map[Region]map[StoreKey]string
}

// NewMemoryTokenStore creates an empty in-memory token store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{records: make(map[Region]map[StoreKey]string)}
}

// Save persists value under key for the region.
func (s *MemoryTokenStore) Save(_ context.Context, region Region, key StoreKey, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[region]
	if !ok {
		record = make(map[StoreKey]string)
		s.records[region] = record
	}
	record[key] = value
	return nil
}

// Retrieve returns the value stored under key for the region, or ErrNotFound.
func (s *MemoryTokenStore) Retrieve(_ context.Context, region Region, key StoreKey) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.records[region][key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

// Exists reports whether a value is stored under key for the region.
func (s *MemoryTokenStore) Exists(_ context.Context, region Region, key StoreKey) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.records[region][key]
	return ok, nil
}

// Delete removes the value stored under key for the region.
func (s *MemoryTokenStore) Delete(_ context.Context, region Region, key StoreKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records[region], key)
	return nil
}

// DeleteAll removes every value stored for the region.
func (s *MemoryTokenStore) DeleteAll(_ context.Context, region Region) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, region)
	return nil
}
