package securestore

import (
	"bytes"
	"crypto/rand"
	"errors"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	sealPrefix = "WFBSEAL1"
	saltSize   = 16

	kdfTime     = 2
	kdfMemoryKB = 64 * 1024
	kdfThreads  = 1
)

var (
	ErrNoSecret   = errors.New("securestore secret is empty")
	ErrAuthFailed = errors.New("securestore authentication failed")
	ErrInvalid    = errors.New("securestore sealed payload is invalid")
	ErrPlaintext  = errors.New("securestore payload is not sealed")
)

// Sealer encrypts payloads at rest with XChaCha20-Poly1305 under an
// argon2id-derived key. Each payload is bound to a label, so a sealed blob
// copied under another name fails to open.
//
// Layout: prefix | salt | nonce | ciphertext.
type Sealer struct {
	secret []byte
	salt   []byte

	mu   sync.Mutex
	keys map[string][]byte
}

func NewSealer(secret string) (*Sealer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrNoSecret
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return &Sealer{
		secret: []byte(secret),
		salt:   salt,
		keys:   make(map[string][]byte),
	}, nil
}

// IsSealed reports whether data carries the sealed payload prefix.
func IsSealed(data []byte) bool {
	return bytes.HasPrefix(data, []byte(sealPrefix))
}

func (s *Sealer) Seal(label string, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key(s.salt))
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(sealPrefix)+saltSize+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, sealPrefix...)
	out = append(out, s.salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, []byte(label)), nil
}

func (s *Sealer) Open(label string, data []byte) ([]byte, error) {
	if !IsSealed(data) {
		return nil, ErrPlaintext
	}
	data = data[len(sealPrefix):]
	if len(data) < saltSize+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, ErrInvalid
	}
	salt := data[:saltSize]
	nonce := data[saltSize : saltSize+chacha20poly1305.NonceSizeX]
	ciphertext := data[saltSize+chacha20poly1305.NonceSizeX:]

	aead, err := chacha20poly1305.NewX(s.key(salt))
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(label))
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// key derives, once per salt, the AEAD key for the configured secret.
func (s *Sealer) key(salt []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[string(salt)]; ok {
		return k
	}
	k := argon2.IDKey(s.secret, salt, kdfTime, kdfMemoryKB, kdfThreads, chacha20poly1305.KeySize)
	s.keys[string(salt)] = k
	return k
}
