// Package credentials resolves decrypted integration settings for the
// orchestrator and dispatcher. Plaintext exists only on this read path and
// is never surfaced through any API or log.
package credentials

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/nodadyoushutup/llmctl/internal/store"
)

var (
	ErrNotConfigured = errors.New("integration not configured")
	ErrDecrypt       = errors.New("integration setting failed to decrypt")
)

// settingStore is the slice of the store the resolver needs.
type settingStore interface {
	GetIntegrationSetting(ctx context.Context, provider, key string) (*store.IntegrationSetting, error)
	PutIntegrationSetting(ctx context.Context, provider, key string, blob []byte) error
}

// Resolver decrypts integration settings with the control plane master key.
type Resolver struct {
	store settingStore
	aead  func() (cipherAEAD, error)
}

type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
}

// NewResolver derives the sealing key from masterKey. Any non-empty key
// material is accepted; it is stretched through SHA-256.
func NewResolver(s settingStore, masterKey []byte) (*Resolver, error) {
	if len(masterKey) == 0 {
		return nil, errors.New("empty master key")
	}
	derived := sha256.Sum256(masterKey)
	return &Resolver{
		store: s,
		aead: func() (cipherAEAD, error) {
			return chacha20poly1305.NewX(derived[:])
		},
	}, nil
}

// Resolve returns the decrypted value for (provider, key). Missing settings
// surface ErrNotConfigured so callers can degrade with a soft warning.
func (r *Resolver) Resolve(ctx context.Context, provider, key string) ([]byte, error) {
	setting, err := r.store.GetIntegrationSetting(ctx, provider, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotConfigured, provider, key)
	}
	if err != nil {
		return nil, err
	}
	aead, err := r.aead()
	if err != nil {
		return nil, err
	}
	if len(setting.Blob) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: %s/%s: blob too short", ErrDecrypt, provider, key)
	}
	nonce, ciphertext := setting.Blob[:aead.NonceSize()], setting.Blob[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrDecrypt, provider, key)
	}
	return plaintext, nil
}

// Seal encrypts and stores a setting. Used by the settings mutation routes;
// the orchestrator itself never writes.
func (r *Resolver) Seal(ctx context.Context, provider, key string, plaintext []byte) error {
	aead, err := r.aead()
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	blob := aead.Seal(nonce, nonce, plaintext, nil)
	return r.store.PutIntegrationSetting(ctx, provider, key, blob)
}

// Configured reports whether (provider, key) resolves to a usable value.
func (r *Resolver) Configured(ctx context.Context, provider, key string) bool {
	_, err := r.Resolve(ctx, provider, key)
	return err == nil
}
