// Package seal holds per-fragment key material. A fragment is only as
// recoverable as its key: once Destroy has run the sealed bytes are noise.
package seal

import (
	"crypto/rand"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

const KeySize = chacha20poly1305.KeySize

var (
	ErrKeyDestroyed = errors.New("key material destroyed")
	ErrOpen         = errors.New("sealed data could not be authenticated")
)

type Key struct {
	mu        sync.Mutex
	material  []byte
	destroyed bool
}

func NewKey() (*Key, error) {
	material := make([]byte, KeySize)
	if _, err := rand.Read(material); err != nil {
		return nil, fmt.Errorf("seal: crypto/rand failed: %w", err)
	}
	return &Key{material: material}, nil
}

// Destroy zeroes the key. Safe to call more than once.
func (k *Key) Destroy() {
	k.mu.Lock()
	defer k.mu.Unlock()

	Shred(k.material)
	k.material = nil
	k.destroyed = true
}

func (k *Key) Destroyed() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.destroyed
}

// Seal encrypts plaintext with XChaCha20-Poly1305. The random nonce is
// prepended to the returned ciphertext.
func Seal(k *Key, plaintext, aad []byte) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.destroyed {
		return nil, ErrKeyDestroyed
	}
	aead, err := chacha20poly1305.NewX(k.material)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("seal: crypto/rand failed: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

func Open(k *Key, sealed, aad []byte) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.destroyed {
		return nil, ErrKeyDestroyed
	}
	aead, err := chacha20poly1305.NewX(k.material)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrOpen
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrOpen
	}
	return plain, nil
}

// Shred zeroes b in place.
func Shred(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}

// AAD binds a sealed record to the fragment it was produced for.
func AAD(payloadID, fragmentID string, index int) []byte {
	return []byte(fmt.Sprintf("%s|%s|%d", payloadID, fragmentID, index))
}
