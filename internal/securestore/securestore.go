// Package securestore is an encrypted key-value store on the local disk.
// Each entry lives in its own file sealed with AES-256-GCM under a key
// derived from the device secret.
package securestore

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

const (
	saltFile   = "store.salt"
	deviceFile = "device.key"
	entryExt   = ".enc"
)

var keyRegexp = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Store is the on-device secure storage used by the credential cache.
// GetItem returns "" and a nil error for a missing key.
type Store interface {
	GetItem(key string) (string, error)
	SetItem(key, value string) error
	DeleteItem(key string) error
}

type FileStore struct {
	dir  string
	key  []byte
	salt []byte
	mu   sync.Mutex
}

// Open opens or creates a store in dir. An empty secret selects a random
// per-device secret kept next to the entries.
func Open(dir, secret string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	if secret == "" {
		s, err := deviceSecret(dir)
		if err != nil {
			return nil, err
		}
		secret = s
	}

	salt, err := loadSalt(dir)
	if err != nil {
		return nil, err
	}

	return &FileStore{
		dir:  dir,
		key:  DeriveKey(secret, salt),
		salt: salt,
	}, nil
}

func deviceSecret(dir string) (string, error) {
	path := filepath.Join(dir, deviceFile)
	data, err := os.ReadFile(path)
	if err == nil {
		return strings.TrimSpace(string(data)), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read device key: %w", err)
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate device key: %w", err)
	}
	secret := hex.EncodeToString(buf)
	if err := os.WriteFile(path, []byte(secret), 0600); err != nil {
		return "", fmt.Errorf("write device key: %w", err)
	}
	return secret, nil
}

func loadSalt(dir string) ([]byte, error) {
	path := filepath.Join(dir, saltFile)
	salt, err := os.ReadFile(path)
	if err == nil && len(salt) == saltSize {
		return salt, nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read salt: %w", err)
	}

	salt, err = GenerateSalt()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, salt, 0600); err != nil {
		return nil, fmt.Errorf("write salt: %w", err)
	}
	return salt, nil
}

func (s *FileStore) path(key string) (string, error) {
	if !keyRegexp.MatchString(key) {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(s.dir, key+entryExt), nil
}

func (s *FileStore) GetItem(key string) (string, error) {
	path, err := s.path(key)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", key, err)
	}

	plaintext, salt, err := open(s.key, data)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", key, err)
	}
	if !bytes.Equal(salt, s.salt) {
		return "", fmt.Errorf("open %s: sealed under a different store", key)
	}
	return string(plaintext), nil
}

func (s *FileStore) SetItem(key, value string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	sealed, err := seal(s.key, s.salt, []byte(value))
	if err != nil {
		return fmt.Errorf("seal %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0600); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit %s: %w", key, err)
	}
	return nil
}

func (s *FileStore) DeleteItem(key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Memory is a Store that keeps entries in process memory.
type Memory struct {
	mu    sync.Mutex
	items map[string]string
}

func NewMemory() *Memory {
	return &Memory{items: make(map[string]string)}
}

func (m *Memory) GetItem(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[key], nil
}

func (m *Memory) SetItem(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
	return nil
}

func (m *Memory) DeleteItem(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

// Len returns the number of stored entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

var (
	_ Store = (*FileStore)(nil)
	_ Store = (*Memory)(nil)
)
