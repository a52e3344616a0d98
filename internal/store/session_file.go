package store

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/suriyaganapathi/Ai-Loan-Call/internal/domain"
)

const sessionFileName = "session.json"

// FileSessionStore keeps the session in a 0600 file, normally under the user's
// runtime directory so it disappears with the login session. With a key the
// file is sealed with XChaCha20-Poly1305.
type FileSessionStore struct {
	path string
	aead cipher.AEAD
	mu   sync.Mutex
}

// NewFileSessionStore creates the directory if needed. An empty secret stores
// plain JSON.
func NewFileSessionStore(dir, secret string) (*FileSessionStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("session directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	store := &FileSessionStore{path: filepath.Join(dir, sessionFileName)}
	if secret != "" {
		key := make([]byte, chacha20poly1305.KeySize)
		kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte("loancall session store v1"))
		if _, err := io.ReadFull(kdf, key); err != nil {
			return nil, fmt.Errorf("failed to derive session key: %w", err)
		}
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return nil, fmt.Errorf("failed to init session cipher: %w", err)
		}
		store.aead = aead
	}
	return store, nil
}

// Path returns the session file location.
func (f *FileSessionStore) Path() string {
	return f.path
}

func (f *FileSessionStore) Load(context.Context) (domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return domain.Session{}, nil
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("failed to read session: %w", err)
	}

	if f.aead != nil {
		raw, err = f.open(raw)
		if err != nil {
			return domain.Session{}, err
		}
	}

	var session domain.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return domain.Session{}, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	return session, nil
}

func (f *FileSessionStore) Save(_ context.Context, session domain.Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if f.aead != nil {
		nonce := make([]byte, f.aead.NonceSize(), f.aead.NonceSize()+len(raw)+f.aead.Overhead())
		if _, err := rand.Read(nonce); err != nil {
			return fmt.Errorf("failed to generate nonce: %w", err)
		}
		raw = f.aead.Seal(nonce, nonce, raw, nil)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".session-*")
	if err != nil {
		return fmt.Errorf("failed to create session file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set session file mode: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

func (f *FileSessionStore) Clear(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove session: %w", err)
	}
	return nil
}

func (f *FileSessionStore) open(sealed []byte) ([]byte, error) {
	size := f.aead.NonceSize()
	if len(sealed) < size {
		return nil, fmt.Errorf("%w: sealed session too short", ErrCorruptEntry)
	}
	plain, err := f.aead.Open(nil, sealed[:size], sealed[size:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	return plain, nil
}
