// Package keystore persists RSA signing key material and rotation metadata
// on the file system.
//
// Layout inside the data directory:
//
//	keyset.json      - metadata naming the current key id, its creation time
//	                   and the retired key ids kept for verification
//	<kid>.pem        - PKCS#8 private key, one file per key
//	<kid>.pub.pem    - PKIX public key, one file per key
//
// The metadata document is the single source of truth for which key is
// current. It is always written with a temp-file-plus-rename so readers
// never observe a partially written document.
package keystore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrKeyLoad indicates stored key material is missing or unreadable.
	// Fatal at startup: the process must not run without a valid signing key.
	ErrKeyLoad = errors.New("keystore: failed to load key material")

	// ErrKeyPersist indicates key material or metadata could not be written.
	// Rotation aborts and the previous key remains authoritative.
	ErrKeyPersist = errors.New("keystore: failed to persist key material")
)

// HistoricalEntry records a retired key in the metadata document.
type HistoricalEntry struct {
	KeyID     string    `json:"key_id"`
	CreatedAt time.Time `json:"created_at"`
	RetiredAt time.Time `json:"retired_at"`
}

// Metadata is the durable rotation state. Version increments on every write
// so out-of-band rotations are detectable by comparing versions.
type Metadata struct {
	CurrentKeyID string            `json:"current_key_id"`
	CreatedAt    time.Time         `json:"created_at"`
	Version      int64             `json:"version"`
	Historical   []HistoricalEntry `json:"historical,omitempty"`
}

// Store is the persistence contract for signing keys.
type Store interface {
	// Load returns the current key pair and metadata. A nil pair with a nil
	// error means no state exists yet (first boot) and the caller should
	// generate an initial key.
	Load(ctx context.Context) (*KeyPair, *Metadata, error)

	// Save persists the given pair's material and atomically replaces the
	// metadata document.
	Save(ctx context.Context, pair *KeyPair, meta *Metadata) error

	// LoadMetadata re-reads only the metadata document. Returns nil when no
	// document exists.
	LoadMetadata(ctx context.Context) (*Metadata, error)

	// LoadKey loads the key pair for a specific key id.
	LoadKey(ctx context.Context, keyID string) (*KeyPair, error)

	// ListHistorical loads every retired key pair named by the metadata.
	ListHistorical(ctx context.Context) ([]*KeyPair, error)

	// Remove deletes the material for an evicted key id.
	Remove(ctx context.Context, keyID string) error
}
