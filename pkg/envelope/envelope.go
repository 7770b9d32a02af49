// Package envelope implements per-record AES-256-GCM envelope encryption
// with a rotating data encryption key (DEK) wrapped under a
// key-encryption-key (KEK) supplied by pkg/keymanager. There is no
// AEAD library in this codebase's dependency set, so this stage is
// built directly on crypto/aes and crypto/cipher.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"securelog-core/internal/metrics"
	"securelog-core/pkg/types"
)

const keySize = 32

type dek struct {
	key       []byte
	aead      cipher.AEAD
	encrypted string // base64(KEK-wrapped dek), cached per rotation
	createdAt time.Time
}

// Encryptor seals a LogRecord's payload with a DEK that rotates every
// RotationTTL. Reads of the active DEK are lock-free in the steady
// state; rotation uses double-checked locking so only one goroutine
// generates a replacement.
type Encryptor struct {
	rotationTTL time.Duration
	getKEK      func() ([]byte, error)

	active atomic.Pointer[dek]
	mu     sync.Mutex
}

// New constructs an Encryptor. Seal calls getKEK only when it rotates
// the DEK; Open calls it on every call.
func New(rotationTTL time.Duration, getKEK func() ([]byte, error)) *Encryptor {
	if rotationTTL <= 0 {
		rotationTTL = time.Hour
	}
	return &Encryptor{rotationTTL: rotationTTL, getKEK: getKEK}
}

// Seal returns a copy of rec whose Payload is replaced by the payload
// sealed under the active DEK, rotating the DEK first if its age
// exceeds RotationTTL. rec itself is not modified.
func (e *Encryptor) Seal(rec *types.LogRecord) (*types.LogRecord, error) {
	d, err := e.currentDEK()
	if err != nil {
		return nil, fmt.Errorf("envelope: %w", err)
	}

	plaintext, err := json.Marshal(rec.Payload)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal payload: %w", err)
	}

	nonce := make([]byte, d.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("envelope: generate nonce: %w", err)
	}
	sealed := d.aead.Seal(nonce, nonce, plaintext, nil)

	out := rec.Clone()
	out.Payload = map[string]interface{}{
		"encrypted": base64.StdEncoding.EncodeToString(sealed),
	}
	out.EncryptedDEK = d.encrypted
	return out, nil
}

// Open decrypts a sealed record's payload using the DEK unwrapped from
// the record's EncryptedDEK field and the current KEK.
func (e *Encryptor) Open(rec *types.LogRecord) (map[string]interface{}, error) {
	kek, err := e.getKEK()
	if err != nil {
		return nil, fmt.Errorf("envelope: fetch kek: %w", err)
	}
	wrapped, err := base64.StdEncoding.DecodeString(rec.EncryptedDEK)
	if err != nil {
		return nil, fmt.Errorf("envelope: decode wrapped dek: %w", err)
	}
	rawKey, err := unwrap(kek, wrapped)
	if err != nil {
		return nil, fmt.Errorf("envelope: unwrap dek: %w", err)
	}
	aead, err := newAEAD(rawKey)
	if err != nil {
		return nil, err
	}

	b64, _ := rec.Payload["encrypted"].(string)
	sealed, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("envelope: decode ciphertext: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("envelope: ciphertext too short")
	}
	nonce, body := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("envelope: decrypt: %w", err)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(plain, &payload); err != nil {
		return nil, fmt.Errorf("envelope: unmarshal payload: %w", err)
	}
	return payload, nil
}

func (e *Encryptor) currentDEK() (*dek, error) {
	if d := e.active.Load(); d != nil && time.Since(d.createdAt) < e.rotationTTL {
		return d, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if d := e.active.Load(); d != nil && time.Since(d.createdAt) < e.rotationTTL {
		return d, nil
	}

	rawKey := make([]byte, keySize)
	if _, err := rand.Read(rawKey); err != nil {
		return nil, fmt.Errorf("generate dek: %w", err)
	}
	aead, err := newAEAD(rawKey)
	if err != nil {
		return nil, err
	}
	kek, err := e.getKEK()
	if err != nil {
		return nil, fmt.Errorf("fetch kek for rotation: %w", err)
	}
	wrapped, err := wrap(kek, rawKey)
	if err != nil {
		return nil, fmt.Errorf("wrap dek: %w", err)
	}

	newDek := &dek{key: rawKey, aead: aead, encrypted: base64.StdEncoding.EncodeToString(wrapped), createdAt: time.Now()}

	if old := e.active.Swap(newDek); old != nil {
		zero(old.key)
	}
	metrics.EnvelopeDekRotationsTotal.Inc()
	return newDek, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new aes cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// wrap encrypts plaintext (the DEK) under kek using AES-GCM.
func wrap(kek, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(kek)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func unwrap(kek, wrapped []byte) ([]byte, error) {
	aead, err := newAEAD(kek)
	if err != nil {
		return nil, err
	}
	if len(wrapped) < aead.NonceSize() {
		return nil, fmt.Errorf("wrapped key too short")
	}
	nonce, body := wrapped[:aead.NonceSize()], wrapped[aead.NonceSize():]
	return aead.Open(nil, nonce, body, nil)
}

// zero overwrites key material so a retained reference cannot be read
// back from memory after rotation.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Close zeroes the active DEK's key material. Call on shutdown.
func (e *Encryptor) Close() {
	if d := e.active.Swap(nil); d != nil {
		zero(d.key)
	}
}
