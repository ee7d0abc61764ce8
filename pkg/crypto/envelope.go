package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// ErrDecryption is returned when an envelope fails to decrypt, either
// because the KEK is wrong or the ciphertext/tag has been tampered with.
// It is intentionally unspecific: the caller must not be able to
// distinguish "wrong key" from "corrupted data" from the error alone.
var ErrDecryption = errors.New("crypto: decryption failed")

// Envelope is the envelope-encrypted form of a secret: a fresh per-record
// data key (wrapped under the KEK), the nonce used for the data encryption,
// and the AES-GCM sealed ciphertext (which carries its own auth tag).
type Envelope struct {
	WrappedDataKey []byte
	DataKeyNonce   []byte
	Nonce          []byte
	Ciphertext     []byte
}

// EncryptEnvelope encrypts plaintext under a freshly generated 32-byte data
// key, then wraps that data key under kek. kek must be 32 bytes (AES-256).
func EncryptEnvelope(kek, plaintext []byte) (*Envelope, error) {
	dataKey := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, dataKey); err != nil {
		return nil, fmt.Errorf("crypto: generate data key: %w", err)
	}

	ciphertext, nonce, err := aesGCMSeal(dataKey, plaintext)
	if err != nil {
		return nil, fmt.Errorf("crypto: seal plaintext: %w", err)
	}

	wrappedDK, dkNonce, err := aesGCMSeal(kek, dataKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: wrap data key: %w", err)
	}

	return &Envelope{
		WrappedDataKey: wrappedDK,
		DataKeyNonce:   dkNonce,
		Nonce:          nonce,
		Ciphertext:     ciphertext,
	}, nil
}

// DecryptEnvelope unwraps the data key under kek and decrypts the
// ciphertext. Any tag mismatch (wrong kek, wrong data key, or tampered
// ciphertext) collapses to ErrDecryption.
func DecryptEnvelope(kek []byte, env *Envelope) ([]byte, error) {
	dataKey, err := aesGCMOpen(kek, env.DataKeyNonce, env.WrappedDataKey)
	if err != nil {
		return nil, ErrDecryption
	}
	defer zero(dataKey)

	plaintext, err := aesGCMOpen(dataKey, env.Nonce, env.Ciphertext)
	if err != nil {
		return nil, ErrDecryption
	}
	return plaintext, nil
}

func aesGCMSeal(key, plaintext []byte) (ciphertext, nonce []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

func aesGCMOpen(key, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, errors.New("crypto: bad nonce size")
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// zero overwrites a byte slice's backing array. Best-effort: the Go
// runtime may have copied the bytes elsewhere (e.g. during GC or a prior
// append), so this is defense in depth, not a hard guarantee.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
