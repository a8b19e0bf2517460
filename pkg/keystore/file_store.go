package keystore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

const metadataFile = "keyset.json"

// FileStore implements Store using a data directory on the local file system.
type FileStore struct {
	dataDir string
	mutex   sync.Mutex
}

// NewFileStore creates a file-backed key store, creating the data directory
// if it does not exist.
func NewFileStore(dataDir string) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("%w: create data directory: %v", ErrKeyPersist, err)
	}
	return &FileStore{dataDir: dataDir}, nil
}

// Load reads the metadata document and the current key pair it names.
// Returns (nil, nil, nil) on first boot when no metadata exists.
func (s *FileStore) Load(ctx context.Context) (*KeyPair, *Metadata, error) {
	meta, err := s.LoadMetadata(ctx)
	if err != nil {
		return nil, nil, err
	}
	if meta == nil {
		return nil, nil, nil
	}

	pair, err := s.LoadKey(ctx, meta.CurrentKeyID)
	if err != nil {
		return nil, nil, err
	}
	pair.CreatedAt = meta.CreatedAt
	return pair, meta, nil
}

// LoadMetadata re-reads only the metadata document.
func (s *FileStore) LoadMetadata(ctx context.Context) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(s.dataDir, metadataFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrKeyLoad, metadataFile, err)
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("%w: corrupt %s: %v", ErrKeyLoad, metadataFile, err)
	}
	if meta.CurrentKeyID == "" {
		return nil, fmt.Errorf("%w: %s has no current key id", ErrKeyLoad, metadataFile)
	}
	return &meta, nil
}

// LoadKey loads the private key PEM for a specific key id.
func (s *FileStore) LoadKey(ctx context.Context, keyID string) (*KeyPair, error) {
	data, err := os.ReadFile(s.privateKeyPath(keyID))
	if err != nil {
		return nil, fmt.Errorf("%w: read key %s: %v", ErrKeyLoad, keyID, err)
	}
	priv, err := ParsePrivateKeyPEM(data)
	if err != nil {
		return nil, fmt.Errorf("%w: key %s: %v", ErrKeyLoad, keyID, err)
	}
	return &KeyPair{KeyID: keyID, PrivateKey: priv}, nil
}

// ListHistorical loads every retired key pair named by the metadata. Entries
// whose files are missing are skipped with a warning rather than failing the
// whole load, so one lost historical file does not block startup.
func (s *FileStore) ListHistorical(ctx context.Context) ([]*KeyPair, error) {
	meta, err := s.LoadMetadata(ctx)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, nil
	}

	var pairs []*KeyPair
	for _, entry := range meta.Historical {
		pair, err := s.LoadKey(ctx, entry.KeyID)
		if err != nil {
			slog.Warn("Skipping unreadable historical key", "keyId", entry.KeyID, "err", err)
			continue
		}
		pair.CreatedAt = entry.CreatedAt
		pairs = append(pairs, pair)
	}
	return pairs, nil
}

// Save persists the pair's PEM files and atomically replaces the metadata
// document. The metadata write happens last so a crash mid-save leaves the
// previous document authoritative.
func (s *FileStore) Save(ctx context.Context, pair *KeyPair, meta *Metadata) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrKeyPersist, err)
	}

	if err := s.writeKeyFiles(pair); err != nil {
		return err
	}
	return s.writeMetadata(meta)
}

// Remove deletes the material for an evicted key id. Missing files are not
// an error.
func (s *FileStore) Remove(ctx context.Context, keyID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, path := range []string{s.privateKeyPath(keyID), s.publicKeyPath(keyID)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: remove %s: %v", ErrKeyPersist, path, err)
		}
	}
	return nil
}

func (s *FileStore) writeKeyFiles(pair *KeyPair) error {
	privPEM, err := EncodePrivateKeyPEM(pair.PrivateKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyPersist, err)
	}
	pubPEM, err := EncodePublicKeyPEM(pair.PublicKey())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyPersist, err)
	}

	if err := os.WriteFile(s.privateKeyPath(pair.KeyID), privPEM, 0600); err != nil {
		return fmt.Errorf("%w: write private key %s: %v", ErrKeyPersist, pair.KeyID, err)
	}
	if err := os.WriteFile(s.publicKeyPath(pair.KeyID), pubPEM, 0644); err != nil {
		return fmt.Errorf("%w: write public key %s: %v", ErrKeyPersist, pair.KeyID, err)
	}
	return nil
}

// writeMetadata replaces keyset.json via temp file + rename so a reader never
// observes a partial document.
func (s *FileStore) writeMetadata(meta *Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal metadata: %v", ErrKeyPersist, err)
	}

	tmp, err := os.CreateTemp(s.dataDir, metadataFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: create temp metadata: %v", ErrKeyPersist, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write metadata: %v", ErrKeyPersist, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close metadata: %v", ErrKeyPersist, err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.dataDir, metadataFile)); err != nil {
		return fmt.Errorf("%w: rename metadata: %v", ErrKeyPersist, err)
	}
	return nil
}

func (s *FileStore) privateKeyPath(keyID string) string {
	return filepath.Join(s.dataDir, keyID+".pem")
}

func (s *FileStore) publicKeyPath(keyID string) string {
	return filepath.Join(s.dataDir, keyID+".pub.pem")
}
