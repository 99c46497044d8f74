package adsauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// FileTokenStore persists token material as one JSON file per region under a
// base directory. Files are created with owner-only permissions. A small
// read-through cache avoids re-reading the file on every token lookup; the
// optional Watch method invalidates the cache when files change on disk, so
// tokens written by another process are picked up.
type FileTokenStore struct {
	mu      sync.Mutex
	baseDir string
	cache   map[Region]map[StoreKey]string
}

// NewFileTokenStore creates a file-backed token store rooted at baseDir.
func NewFileTokenStore(baseDir string) *FileTokenStore {
	return &FileTokenStore{
		baseDir: strings.TrimSpace(baseDir),
		cache:   make(map[Region]map[StoreKey]string),
	}
}

// path returns the token file for a region.
func (s *FileTokenStore) path(region Region) string {
	return filepath.Join(s.baseDir, fmt.Sprintf("%s.json", region))
}

// loadLocked returns the region's record, reading it from disk on a cache
// miss. A missing file yields an empty record. Callers must hold s.mu.
func (s *FileTokenStore) loadLocked(region Region) (map[StoreKey]string, error) {
	if record, ok := s.cache[region]; ok {
		return record, nil
	}

	record := make(map[StoreKey]string)
	data, err := os.ReadFile(s.path(region))
	switch {
	case os.IsNotExist(err):
		// No tokens persisted yet.
	case err != nil:
		return nil, fmt.Errorf("failed to read token file: %w", err)
	default:
		if errUnmarshal := json.Unmarshal(data, &record); errUnmarshal != nil {
			return nil, fmt.Errorf("failed to parse token file: %w", errUnmarshal)
		}
	}

	s.cache[region] = record
	return record, nil
}

// writeLocked serializes the region's record to its token file. Callers must
// hold s.mu.
func (s *FileTokenStore) writeLocked(region Region, record map[StoreKey]string) error {
	if err := os.MkdirAll(s.baseDir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %v", err)
	}

	f, err := os.OpenFile(s.path(region), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create token file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	if err = json.NewEncoder(f).Encode(record); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	return nil
}

// Save persists value under key for the region.
func (s *FileTokenStore) Save(_ context.Context, region Region, key StoreKey, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.loadLocked(region)
	if err != nil {
		return err
	}
	record[key] = value
	return s.writeLocked(region, record)
}

// Retrieve returns the value stored under key for the region, or ErrNotFound.
func (s *FileTokenStore) Retrieve(_ context.Context, region Region, key StoreKey) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.loadLocked(region)
	if err != nil {
		return "", err
	}
	value, ok := record[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

// Exists reports whether a value is stored under key for the region.
func (s *FileTokenStore) Exists(ctx context.Context, region Region, key StoreKey) (bool, error) {
	_, err := s.Retrieve(ctx, region, key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

// Delete removes the value stored under key for the region.
func (s *FileTokenStore) Delete(_ context.Context, region Region, key StoreKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.loadLocked(region)
	if err != nil {
		return err
	}
	if _, ok := record[key]; !ok {
		return nil
	}
	delete(record, key)
	return s.writeLocked(region, record)
}

// DeleteAll removes the region's token file entirely.
func (s *FileTokenStore) DeleteAll(_ context.Context, region Region) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.cache, region)
	if err := os.Remove(s.path(region)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove token file: %w", err)
	}
	return nil
}

// Watch invalidates the cache whenever a token file changes on disk, until
// ctx is done. It is best-effort: the store works without it, at the cost of
// not observing external edits until the next process restart.
func (s *FileTokenStore) Watch(ctx context.Context) error {
	if err := os.MkdirAll(s.baseDir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %v", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create auth dir watcher: %w", err)
	}
	if err = watcher.Add(s.baseDir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch auth dir: %w", err)
	}

	go func() {
		defer func() {
			_ = watcher.Close()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				s.invalidate(event.Name)
			case errWatch, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Debugf("auth dir watcher error: %v", errWatch)
			}
		}
	}()

	return nil
}

// invalidate drops the cached record whose file matches name.
func (s *FileTokenStore) invalidate(name string) {
	base := filepath.Base(name)
	region := Region(strings.TrimSuffix(base, ".json"))
	if base == string(region) {
		return
	}

	s.mu.Lock()
	if _, ok := s.cache[region]; ok {
		delete(s.cache, region)
		log.Debugf("token cache invalidated for region %s after change to %s", region, base)
	}
	s.mu.Unlock()
}
