package crypto

import (
	"encoding/base64"
	"errors"
	"strings"

	chacha "golang.org/x/crypto/chacha20poly1305"
)

// EnvelopePrefix marks a payload as produced by this scheme. System and
// legacy plaintext messages share the stream, so decryption is only
// attempted behind this prefix.
const EnvelopePrefix = "ENC:"

// DecryptPlaceholder is rendered in place of a message that fails
// authentication. Garbled plaintext must never reach the user.
const DecryptPlaceholder = "[unable to decrypt]"

// Encrypt seals plaintext under key with a fresh random nonce and returns
// the envelope: EnvelopePrefix + base64(nonce || ciphertext || tag).
// Sealing the same plaintext twice yields different envelopes.
func Encrypt(plaintext string, key []byte) (string, error) {
	aead, err := chacha.New(key)
	if err != nil {
		return "", ErrBadKey.WithDetails(err.Error())
	}
	sealed, err := SealAEAD([]byte(plaintext), aead)
	if err != nil {
		return "", ErrEncryptionFailed.WithDetails(err.Error())
	}
	return EnvelopePrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens an envelope produced by Encrypt. ErrNotEncrypted means the
// payload never was an envelope and should pass through unchanged;
// ErrAuthenticationFailed means wrong key, corruption, or tampering.
func Decrypt(envelope string, key []byte) (string, error) {
	if !LooksEncrypted(envelope) {
		return "", ErrNotEncrypted
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(envelope, EnvelopePrefix))
	if err != nil {
		return "", ErrAuthenticationFailed.WithDetails("bad envelope encoding")
	}
	aead, err := chacha.New(key)
	if err != nil {
		return "", ErrBadKey.WithDetails(err.Error())
	}
	pt, err := OpenAEAD(raw, aead)
	if err != nil {
		return "", ErrAuthenticationFailed
	}
	return string(pt), nil
}

// LooksEncrypted is a cheap syntactic check, not a security boundary.
func LooksEncrypted(s string) bool {
	return strings.HasPrefix(s, EnvelopePrefix)
}

// Render decrypts for display. Plaintext passes through, an authentication
// failure becomes the placeholder; nothing escapes as an error.
func Render(content string, key []byte) string {
	pt, err := Decrypt(content, key)
	if err == nil {
		return pt
	}
	if errors.Is(err, ErrNotEncrypted) {
		return content
	}
	return DecryptPlaceholder
}
