// Package crypto derives the shared message key from the pairing secret
// and encrypts/decrypts the chat side channel.
//
// Both devices know only the pairing secret, so the derivation must be
// deterministic: fixed salt, fixed iteration count, NFKC-normalised
// input. The iteration count is a work factor against brute-forcing the
// pairing id from intercepted ciphertext; the real security bound is the
// entropy of the pairing id itself.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/unicode/norm"
)

const (
	// KeyIterations is the PBKDF2 iteration count. Changing it breaks
	// decryption of all previously sent messages, so it is part of the
	// wire contract, not a tunable.
	KeyIterations = 150000

	// KeySalt is the fixed derivation salt shared by every installation.
	// A per-pair salt would need its own synchronization channel; the
	// pairing secret's entropy carries the security argument instead.
	KeySalt = "pairbook/chat-key/v1"

	// KeyLen is the derived key length in bytes (AES-256).
	KeyLen = 32

	// PayloadSeparator splits the IV from the ciphertext in the encoded
	// payload. Its absence marks a legacy plaintext message.
	PayloadSeparator = ":"

	// DecryptFailedPlaceholder is returned for payloads that look like
	// ciphertext but cannot be decrypted (wrong key, corrupted data).
	DecryptFailedPlaceholder = "[encrypted message]"
)

// DeriveKey derives the 32-byte symmetric key from the shared secret
// using PBKDF2-SHA256. The secret is NFKC-normalised first so both
// devices derive the identical key regardless of input method.
func DeriveKey(secret string) []byte {
	normalized := norm.NFKC.String(secret)
	return pbkdf2.Key([]byte(normalized), []byte(KeySalt), KeyIterations, KeyLen, sha256.New)
}

// Encrypt encrypts plaintext with a key derived from secret and returns
// the payload as "ivBase64:cipherBase64". The cipher part carries the
// AES-GCM auth tag, so tampering is detected on decrypt.
func Encrypt(plaintext, secret string) (string, error) {
	gcm, err := newGCM(DeriveKey(secret))
	if err != nil {
		return "", err
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generating IV: %w", err)
	}

	ct := gcm.Seal(nil, iv, []byte(plaintext), nil)

	return base64.StdEncoding.EncodeToString(iv) + PayloadSeparator + base64.StdEncoding.EncodeToString(ct), nil
}

// Decrypt decrypts a payload produced by Encrypt. It never fails outward:
// a payload without the separator is returned verbatim (legacy plaintext
// from before the channel was encrypted), and any decode or
// authentication failure yields DecryptFailedPlaceholder so one bad
// message never aborts the stream.
func Decrypt(payload, secret string) string {
	ivPart, ctPart, found := strings.Cut(payload, PayloadSeparator)
	if !found {
		return payload
	}

	iv, err := base64.StdEncoding.DecodeString(ivPart)
	if err != nil {
		return DecryptFailedPlaceholder
	}

	ct, err := base64.StdEncoding.DecodeString(ctPart)
	if err != nil {
		return DecryptFailedPlaceholder
	}

	gcm, err := newGCM(DeriveKey(secret))
	if err != nil {
		return DecryptFailedPlaceholder
	}

	if len(iv) != gcm.NonceSize() {
		return DecryptFailedPlaceholder
	}

	plain, err := gcm.Open(nil, iv, ct, nil)
	if err != nil {
		return DecryptFailedPlaceholder
	}

	return string(plain)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return gcm, nil
}
