// Package secrets stores small credential maps outside the relational store.
package secrets

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"filippo.io/age"
)

// Store reads and writes credential maps keyed by a slash separated path.
type Store interface {
	Read(ctx context.Context, path string) (map[string]string, bool, error)
	Write(ctx context.Context, path string, values map[string]string) error
}

// AgeStore keeps each path as an age encrypted JSON document under Dir.
type AgeStore struct {
	dir       string
	identity  *age.X25519Identity
	recipient age.Recipient
}

// NewAgeStore returns an AgeStore rooted at dir using an X25519 identity
// string ("AGE-SECRET-KEY-1...") for both encryption and decryption.
func NewAgeStore(dir, identity string) (*AgeStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("secrets: dir is required")
	}
	id, err := age.ParseX25519Identity(strings.TrimSpace(identity))
	if err != nil {
		return nil, fmt.Errorf("secrets: parse identity: %w", err)
	}
	return &AgeStore{dir: dir, identity: id, recipient: id.Recipient()}, nil
}

func (s *AgeStore) file(path string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(path))
	if path == "" || filepath.IsAbs(clean) || clean == "." || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("secrets: invalid path %q", path)
	}
	return filepath.Join(s.dir, clean+".age"), nil
}

// Read decrypts the map stored at path. The bool is false when nothing was
// ever written there.
func (s *AgeStore) Read(_ context.Context, path string) (map[string]string, bool, error) {
	name, err := s.file(path)
	if err != nil {
		return nil, false, err
	}

	f, err := os.Open(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("secrets: open %s: %w", path, err)
	}
	defer f.Close()

	reader, err := age.Decrypt(f, s.identity)
	if err != nil {
		return nil, false, fmt.Errorf("secrets: decrypt %s: %w", path, err)
	}
	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, false, fmt.Errorf("secrets: read %s: %w", path, err)
	}

	values := map[string]string{}
	if err := json.Unmarshal(payload, &values); err != nil {
		return nil, false, fmt.Errorf("secrets: decode %s: %w", path, err)
	}
	return values, true, nil
}

// Write replaces the map stored at path.
func (s *AgeStore) Write(_ context.Context, path string, values map[string]string) error {
	name, err := s.file(path)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(values)
	if err != nil {
		return err
	}

	var encrypted bytes.Buffer
	writer, err := age.Encrypt(&encrypted, s.recipient)
	if err != nil {
		return fmt.Errorf("secrets: encrypt %s: %w", path, err)
	}
	if _, err := writer.Write(payload); err != nil {
		return fmt.Errorf("secrets: encrypt %s: %w", path, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("secrets: encrypt %s: %w", path, err)
	}

	if err := os.MkdirAll(filepath.Dir(name), 0o700); err != nil {
		return fmt.Errorf("secrets: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(name), ".secret-*")
	if err != nil {
		return fmt.Errorf("secrets: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(encrypted.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("secrets: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("secrets: write %s: %w", path, err)
	}
	return os.Rename(tmp.Name(), name)
}

// Memory is an in-process Store, handy for tests and throwaway setups.
type Memory struct {
	mu     sync.RWMutex
	values map[string]map[string]string
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{values: map[string]map[string]string{}}
}

func (m *Memory) Read(_ context.Context, path string) (map[string]string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[path]
	if !ok {
		return nil, false, nil
	}
	out := make(map[string]string, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out, true, nil
}

func (m *Memory) Write(_ context.Context, path string, values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(map[string]string, len(values))
	for k, v := range values {
		cp[k] = v
	}
	m.values[path] = cp
	return nil
}
