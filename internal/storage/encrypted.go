package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"wace-auth/internal/encryption"
)

// Envelope seals and opens values; *encryption.Manager satisfies it.
type Envelope interface {
	Encrypt(ctx context.Context, plaintext []byte) (*encryption.EncryptedData, error)
	Decrypt(ctx context.Context, data *encryption.EncryptedData) ([]byte, error)
}

// Encrypted wraps a Storage so values are stored as encryption envelopes.
// Keys stay in the clear so prefix listing keeps working.
type Encrypted struct {
	inner    Storage
	envelope Envelope
}

func NewEncrypted(inner Storage, envelope Envelope) *Encrypted {
	return &Encrypted{inner: inner, envelope: envelope}
}

func (e *Encrypted) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := e.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	var data encryption.EncryptedData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to decode envelope for %s: %w", key, err)
	}
	plain, err := e.envelope.Decrypt(ctx, &data)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt %s: %w", key, err)
	}
	return plain, nil
}

func (e *Encrypted) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	data, err := e.envelope.Encrypt(ctx, value)
	if err != nil {
		return fmt.Errorf("failed to encrypt %s: %w", key, err)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode envelope for %s: %w", key, err)
	}
	return e.inner.Put(ctx, key, raw, ttl)
}

func (e *Encrypted) Delete(ctx context.Context, key string) error {
	return e.inner.Delete(ctx, key)
}

func (e *Encrypted) List(ctx context.Context, prefix string) ([]string, error) {
	return e.inner.List(ctx, prefix)
}

func (e *Encrypted) PurgeExpired(ctx context.Context) (int64, error) {
	if p, ok := e.inner.(Purger); ok {
		return p.PurgeExpired(ctx)
	}
	return 0, nil
}

func (e *Encrypted) Close() error {
	return e.inner.Close()
}
