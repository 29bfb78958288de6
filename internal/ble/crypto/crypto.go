// Package crypto provides the cryptographic primitives of the lock's local
// BLE protocol: MD5-based key derivation from the device local key and
// AES-128-CBC encryption of block-aligned frames with a random 16-byte IV.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// KeySize is the length of every derived key (one AES-128 key).
const KeySize = md5.Size

// LocalKeyPrefix is how many bytes of the cloud-issued local key the device
// actually uses.
const LocalKeyPrefix = 6

// ErrShortLocalKey is returned when the local key is shorter than LocalKeyPrefix.
var ErrShortLocalKey = errors.New("ble/crypto: local key must be at least 6 bytes")

// ErrBlockSize is returned when a buffer is not a whole number of AES blocks.
var ErrBlockSize = errors.New("ble/crypto: data is not a multiple of the block size")

// TrimLocalKey returns the part of the local key used for key derivation.
func TrimLocalKey(localKey string) ([]byte, error) {
	if len(localKey) < LocalKeyPrefix {
		return nil, ErrShortLocalKey
	}
	return []byte(localKey[:LocalKeyPrefix]), nil
}

// LoginKey derives the key used for the unauthenticated device-info exchange:
// MD5(local_key[:6]).
func LoginKey(localKey string) ([]byte, error) {
	lk, err := TrimLocalKey(localKey)
	if err != nil {
		return nil, err
	}
	sum := md5.Sum(lk)
	return sum[:], nil
}

// SessionKey derives the per-connection key from the local key and the random
// bytes the device returned in its device-info response:
// MD5(local_key[:6] || srand).
func SessionKey(localKey string, srand []byte) ([]byte, error) {
	lk, err := TrimLocalKey(localKey)
	if err != nil {
		return nil, err
	}
	h := md5.New()
	h.Write(lk)
	h.Write(srand)
	return h.Sum(nil), nil
}

// CBC implements AES-CBC with a random IV. Plaintext must already be padded
// to the block size; the frame codec owns the padding scheme.
type CBC struct {
	// Rand is the IV source. Nil means crypto/rand.
	Rand io.Reader
}

// IVSize returns the IV length (one AES block).
func (CBC) IVSize() int { return aes.BlockSize }

// BlockSize returns the AES block size.
func (CBC) BlockSize() int { return aes.BlockSize }

// Encrypt encrypts block-aligned plaintext, returning a fresh IV and the
// ciphertext.
func (c CBC) Encrypt(key, plaintext []byte) (iv, ciphertext []byte, err error) {
	if len(plaintext)%aes.BlockSize != 0 {
		return nil, nil, ErrBlockSize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("ble/crypto: new cipher: %w", err)
	}

	r := c.Rand
	if r == nil {
		r = rand.Reader
	}
	iv = make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(r, iv); err != nil {
		return nil, nil, fmt.Errorf("ble/crypto: random IV: %w", err)
	}

	ciphertext = make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, plaintext)
	return iv, ciphertext, nil
}

// Decrypt decrypts block-aligned ciphertext. It does not inspect padding.
func (CBC) Decrypt(key, iv, ciphertext []byte) ([]byte, error) {
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("ble/crypto: iv must be %d bytes, got %d", aes.BlockSize, len(iv))
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrBlockSize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: new cipher: %w", err)
	}

	// Separate destination so the caller's buffer is left untouched.
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	return plaintext, nil
}
