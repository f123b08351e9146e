// Package runtoken issues the per-run credential an agent environment uses to
// authenticate back to the service. Tokens are minted lazily, stored sealed
// with AES-GCM, and compared in constant time.
package runtoken

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/scrypt"

	"autocoder/pkg/logx"
)

// Sealing parameters.
const (
	tokenSize = 32
	saltSize  = 16
	nonceSize = 12
	scryptN   = 32768 // 2^15
	scryptR   = 8
	scryptP   = 1
	keySize   = 32 // AES-256
)

// ErrBadSeal means a stored token could not be opened with the configured secret.
var ErrBadSeal = errors.New("sealed token cannot be opened")

// Store is the slice of the run store the issuer needs.
type Store interface {
	ClaimRunAuthToken(ctx context.Context, runID, sealed string) (string, error)
	GetRunAuthToken(ctx context.Context, runID string) (string, error)
}

// Mint returns a fresh token: 32 random bytes, base64url without padding.
func Mint() (string, error) {
	buf := make([]byte, tokenSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Sealer encrypts tokens at rest. Derived keys are cached per salt so
// repeated verification of one run does not pay for scrypt each time.
type Sealer struct {
	secret []byte

	mu   sync.Mutex
	keys map[string][]byte
}

// NewSealer returns a Sealer keyed by secret.
func NewSealer(secret string) (*Sealer, error) {
	if secret == "" {
		return nil, errors.New("token secret is empty")
	}
	return &Sealer{secret: []byte(secret), keys: make(map[string][]byte)}, nil
}

func (s *Sealer) key(salt []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[string(salt)]; ok {
		return k, nil
	}
	k, err := scrypt.Key(s.secret, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	s.keys[string(salt)] = k
	return k, nil
}

func (s *Sealer) gcm(salt []byte) (cipher.AEAD, error) {
	k, err := s.key(salt)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Seal encrypts token. Output format: base64url([salt][nonce][ciphertext]).
func (s *Sealer) Seal(token string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	gcm, err := s.gcm(salt)
	if err != nil {
		return "", err
	}
	ciphertext := gcm.Seal(nil, nonce, []byte(token), nil)

	out := make([]byte, 0, saltSize+nonceSize+len(ciphertext))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Open decrypts a value produced by Seal.
func (s *Sealer) Open(sealed string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSeal, err)
	}
	if len(raw) < saltSize+nonceSize+1 {
		return "", fmt.Errorf("%w: too short", ErrBadSeal)
	}
	salt := raw[:saltSize]
	nonce := raw[saltSize : saltSize+nonceSize]
	gcm, err := s.gcm(salt)
	if err != nil {
		return "", err
	}
	plain, err := gcm.Open(nil, nonce, raw[saltSize+nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSeal, err)
	}
	return string(plain), nil
}

// Issuer mints, stores and verifies run tokens.
type Issuer struct {
	store  Store
	sealer *Sealer
	logger *logx.Logger
}

// NewIssuer creates an Issuer over store.
func NewIssuer(store Store, sealer *Sealer) *Issuer {
	return &Issuer{store: store, sealer: sealer, logger: logx.NewLogger("runtoken")}
}

// Ensure returns the run's token, minting and storing one on first use.
// Concurrent callers agree on the first stored token.
func (i *Issuer) Ensure(ctx context.Context, runID string) (string, error) {
	sealed, err := i.store.GetRunAuthToken(ctx, runID)
	if err != nil {
		return "", err
	}
	if sealed != "" {
		return i.sealer.Open(sealed)
	}

	token, err := Mint()
	if err != nil {
		return "", err
	}
	mine, err := i.sealer.Seal(token)
	if err != nil {
		return "", err
	}
	stored, err := i.store.ClaimRunAuthToken(ctx, runID, mine)
	if err != nil {
		return "", err
	}
	if stored == mine {
		i.logger.WithFields(map[string]any{"run": runID}).Debug("minted auth token")
		return token, nil
	}
	return i.sealer.Open(stored)
}

// Verify reports whether presented matches the run's token. A run without a
// token never verifies.
func (i *Issuer) Verify(ctx context.Context, runID, presented string) (bool, error) {
	sealed, err := i.store.GetRunAuthToken(ctx, runID)
	if err != nil {
		return false, err
	}
	if sealed == "" || presented == "" {
		return false, nil
	}
	expected, err := i.sealer.Open(sealed)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1, nil
}
