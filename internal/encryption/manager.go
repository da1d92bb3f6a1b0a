// Package encryption provides envelope encryption for values at rest. Data
// keys come from AWS KMS when enabled, otherwise they are wrapped with a
// local AES-256 key.
package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"wace-auth/internal/config"
	"wace-auth/internal/util"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"go.uber.org/zap"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

const (
	envelopeVersion = "v1"
	localKeyID      = "local"
	keySize         = 32
	defaultDEKTTL   = time.Hour
)

type EncryptedData struct {
	EncryptedValue string    `json:"encrypted_value"`
	EncryptedDEK   string    `json:"encrypted_dek"`
	KeyID          string    `json:"key_id"`
	Version        string    `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
}

type DataKey struct {
	Plaintext  []byte
	Ciphertext []byte
	KeyID      string
}

// KMSAPI is the part of *kms.Client the manager uses.
type KMSAPI interface {
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

type Manager struct {
	kms      KMSAPI
	keyID    string
	localKey []byte
	dekTTL   time.Duration
	now      func() time.Time

	mu        sync.Mutex
	current   *DataKey
	currentAt time.Time

	keyCache sync.Map // base64 wrapped DEK -> plaintext DEK
}

// NewKMSClient builds a KMS client from the default AWS credential chain.
func NewKMSClient(ctx context.Context, cfg config.KMSConfig) (*kms.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return kms.NewFromConfig(awsCfg), nil
}

// NewManager returns a KMS-backed manager when cfg.Enabled, and a local-key
// manager otherwise. Without LocalKey an ephemeral key is generated, so data
// does not survive a restart.
func NewManager(cfg config.KMSConfig, kmsClient KMSAPI) (*Manager, error) {
	m := &Manager{dekTTL: defaultDEKTTL, now: time.Now}

	if cfg.Enabled {
		if kmsClient == nil {
			return nil, errors.New("kms client is required when KMS is enabled")
		}
		m.kms = kmsClient
		m.keyID = cfg.KeyID
		return m, nil
	}

	m.keyID = localKeyID
	if cfg.LocalKey == "" {
		m.localKey = make([]byte, keySize)
		if _, err := rand.Read(m.localKey); err != nil {
			return nil, fmt.Errorf("failed to generate local key: %w", err)
		}
		util.Warn("Using ephemeral local encryption key; encrypted data will not survive restart")
		return m, nil
	}

	key, err := base64.StdEncoding.DecodeString(cfg.LocalKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode local encryption key: %w", err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("local encryption key must be %d bytes, got %d", keySize, len(key))
	}
	m.localKey = key
	return m, nil
}

// dataKey returns the current DEK, generating a fresh one once it is older than dekTTL.
func (m *Manager) dataKey(ctx context.Context) (*DataKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && m.now().Sub(m.currentAt) < m.dekTTL {
		return m.current, nil
	}

	dk, err := m.generateDataKey(ctx)
	if err != nil {
		return nil, err
	}
	m.current = dk
	m.currentAt = m.now()
	m.keyCache.Store(base64.StdEncoding.EncodeToString(dk.Ciphertext), dk.Plaintext)

	util.Debug("Generated data key", zap.String("key_id", dk.KeyID))
	return dk, nil
}

func (m *Manager) generateDataKey(ctx context.Context) (*DataKey, error) {
	if m.kms != nil {
		result, err := m.kms.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
			KeyId:   aws.String(m.keyID),
			KeySpec: types.DataKeySpecAes256,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to generate data key: %w", err)
		}
		return &DataKey{Plaintext: result.Plaintext, Ciphertext: result.CiphertextBlob, KeyID: m.keyID}, nil
	}

	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}
	wrapped, err := seal(m.localKey, key)
	if err != nil {
		return nil, err
	}
	return &DataKey{Plaintext: key, Ciphertext: wrapped, KeyID: localKeyID}, nil
}

func (m *Manager) unwrapKey(ctx context.Context, encryptedDEK string) ([]byte, error) {
	if cached, ok := m.keyCache.Load(encryptedDEK); ok {
		return cached.([]byte), nil
	}

	blob, err := base64.StdEncoding.DecodeString(encryptedDEK)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid DEK format", ErrDecryptionFailed)
	}

	var key []byte
	if m.kms != nil {
		result, err := m.kms.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: blob})
		if err != nil {
			return nil, fmt.Errorf("%w: failed to decrypt DEK: %v", ErrDecryptionFailed, err)
		}
		key = result.Plaintext
	} else {
		key, err = open(m.localKey, blob)
		if err != nil {
			return nil, err
		}
	}

	m.keyCache.Store(encryptedDEK, key)
	return key, nil
}

// Encrypt seals plaintext under the current data key.
func (m *Manager) Encrypt(ctx context.Context, plaintext []byte) (*EncryptedData, error) {
	dk, err := m.dataKey(ctx)
	if err != nil {
		return nil, err
	}

	ciphertext, err := seal(dk.Plaintext, plaintext)
	if err != nil {
		return nil, err
	}

	return &EncryptedData{
		EncryptedValue: base64.StdEncoding.EncodeToString(ciphertext),
		EncryptedDEK:   base64.StdEncoding.EncodeToString(dk.Ciphertext),
		KeyID:          dk.KeyID,
		Version:        envelopeVersion,
		CreatedAt:      m.now().UTC(),
	}, nil
}

func (m *Manager) Decrypt(ctx context.Context, data *EncryptedData) ([]byte, error) {
	if data == nil || data.Version != envelopeVersion {
		return nil, fmt.Errorf("%w: unsupported envelope", ErrDecryptionFailed)
	}

	key, err := m.unwrapKey(ctx, data.EncryptedDEK)
	if err != nil {
		return nil, err
	}

	ciphertext, err := base64.StdEncoding.DecodeString(data.EncryptedValue)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid ciphertext format", ErrDecryptionFailed)
	}
	return open(key, ciphertext)
}

func (m *Manager) ClearCache() {
	m.keyCache.Range(func(key, _ any) bool {
		m.keyCache.Delete(key)
		return true
	})
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
}

func (m *Manager) GetCacheSize() int {
	count := 0
	m.keyCache.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// seal returns nonce||ciphertext under AES-256-GCM.
func seal(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func open(key, sealed []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
