package hashing

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"unicode"

	"golang.org/x/crypto/pbkdf2"
)

var ErrInvalidParams = errors.New("invalid hashing parameters")

const (
	MinPasswordLength = 8
	MaxPasswordLength = 100

	// SpecialChars is the accepted set for the special-character rule.
	SpecialChars = `!@#$%^&*(),.?":{}|<>`
)

// PBKDF2Params controls key derivation. Stored hashes carry no parameters,
// so changing them invalidates existing hashes.
type PBKDF2Params struct {
	Iterations int
	SaltLength int
	KeyLength  int
}

func DefaultParams() PBKDF2Params {
	return PBKDF2Params{
		Iterations: 10000,
		SaltLength: 32,
		KeyLength:  64,
	}
}

type Hasher struct {
	params PBKDF2Params
}

// StrengthResult lists every rule the password breaks.
type StrengthResult struct {
	IsValid bool     `json:"isValid"`
	Errors  []string `json:"errors"`
}

func NewHasher(params PBKDF2Params) (*Hasher, error) {
	if params.Iterations < 10000 || params.SaltLength < 16 || params.KeyLength < 64 {
		return nil, fmt.Errorf("%w: iterations=%d salt=%d key=%d",
			ErrInvalidParams, params.Iterations, params.SaltLength, params.KeyLength)
	}
	return &Hasher{params: params}, nil
}

// Hash derives a key from password with a fresh salt and returns base64(salt || key).
func (h *Hasher) Hash(password string) (string, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := h.derive(password, salt)

	encoded := make([]byte, 0, len(salt)+len(key))
	encoded = append(encoded, salt...)
	encoded = append(encoded, key...)
	return base64.StdEncoding.EncodeToString(encoded), nil
}

// Verify reports whether password matches encoded. Malformed input yields false.
func (h *Hasher) Verify(password, encoded string) bool {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) != h.params.SaltLength+h.params.KeyLength {
		return false
	}

	salt, expected := raw[:h.params.SaltLength], raw[h.params.SaltLength:]
	computed := h.derive(password, salt)

	return subtle.ConstantTimeCompare(computed, expected) == 1
}

func (h *Hasher) derive(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, h.params.Iterations, h.params.KeyLength, sha512.New)
}

// ValidateStrength checks length and character-class rules.
func ValidateStrength(password string) StrengthResult {
	var errs []string

	length := len([]rune(password))
	if length < MinPasswordLength {
		errs = append(errs, "Password must be at least 8 characters long")
	}
	if length > MaxPasswordLength {
		errs = append(errs, "Password must not exceed 100 characters")
	}

	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
		if strings.ContainsRune(SpecialChars, r) {
			hasSpecial = true
		}
	}

	if !hasUpper {
		errs = append(errs, "Password must contain at least one uppercase letter")
	}
	if !hasLower {
		errs = append(errs, "Password must contain at least one lowercase letter")
	}
	if !hasDigit {
		errs = append(errs, "Password must contain at least one number")
	}
	if !hasSpecial {
		errs = append(errs, "Password must contain at least one special character")
	}

	return StrengthResult{IsValid: len(errs) == 0, Errors: errs}
}

const (
	lowerSet   = "abcdefghijklmnopqrstuvwxyz"
	upperSet   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digitSet   = "0123456789"
	passSymbol = "!@#$%^&*"
)

// GenerateSecurePassword returns a random password containing every character class.
func GenerateSecurePassword(length int) (string, error) {
	if length < 4 {
		length = 16
	}
	all := lowerSet + upperSet + digitSet + passSymbol

	out := make([]byte, 0, length)
	for _, set := range []string{upperSet, lowerSet, digitSet, passSymbol} {
		c, err := randomChar(set)
		if err != nil {
			return "", err
		}
		out = append(out, c)
	}
	for len(out) < length {
		c, err := randomChar(all)
		if err != nil {
			return "", err
		}
		out = append(out, c)
	}

	// Fisher-Yates
	for i := len(out) - 1; i > 0; i-- {
		j, err := randomInt(i + 1)
		if err != nil {
			return "", err
		}
		out[i], out[j] = out[j], out[i]
	}
	return string(out), nil
}

// GenerateResetToken returns 32 random bytes as hex.
func GenerateResetToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate reset token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashResetToken is the storable form of a reset token.
func HashResetToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func randomChar(set string) (byte, error) {
	i, err := randomInt(len(set))
	if err != nil {
		return 0, err
	}
	return set[i], nil
}

func randomInt(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("failed to read random: %w", err)
	}
	return int(v.Int64()), nil
}
