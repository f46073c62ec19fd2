package auth

import (
	"context"
	"crypto/subtle"
	"strings"
)

// KeyStore looks up key metadata by hash. A nil result means unknown key.
type KeyStore interface {
	Lookup(ctx context.Context, keyHash string) (*KeyMetadata, error)
}

// StaticKeyStore accepts the SHA-256 digests listed in configuration. The
// list is fetched on every lookup so reloaded keys apply immediately.
type StaticKeyStore struct {
	hashes func() []string
}

func NewStaticKeyStore(hashes func() []string) *StaticKeyStore {
	return &StaticKeyStore{hashes: hashes}
}

func (s *StaticKeyStore) Lookup(_ context.Context, keyHash string) (*KeyMetadata, error) {
	var found bool
	for _, h := range s.hashes() {
		h = strings.ToLower(strings.TrimSpace(h))
		if subtle.ConstantTimeCompare([]byte(h), []byte(keyHash)) == 1 {
			found = true
		}
	}
	if !found {
		return nil, nil
	}
	return &KeyMetadata{ID: keyHash[:min(12, len(keyHash))]}, nil
}
