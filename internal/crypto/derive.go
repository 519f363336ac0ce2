// Package crypto provides the room key derivation and the message cipher.
package crypto

import (
	"crypto/sha256"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"

	"wisp/internal/models"
)

const (
	// KeySize is the derived symmetric key length.
	KeySize = chacha20poly1305.KeySize

	kdfRounds = 150_000
)

// systemSalt is fixed for the whole system; the room id is appended so two
// rooms sharing a password still derive distinct keys.
var systemSalt = []byte("wisp/room-key/v1/")

// DeriveRoomKey derives the room's symmetric key from its id and password.
// Deterministic: any two holders of the same (roomID, roomSecret) pair get
// an identical key, which removes the out-of-band key exchange step.
func DeriveRoomKey(roomID, roomSecret string) ([]byte, error) {
	if roomID == "" || roomSecret == "" {
		return nil, models.ErrInvalidInput.WithDetails("room id and secret must be non-empty")
	}
	salt := make([]byte, 0, len(systemSalt)+len(roomID))
	salt = append(salt, systemSalt...)
	salt = append(salt, roomID...)
	return pbkdf2.Key([]byte(roomSecret), salt, kdfRounds, KeySize, sha256.New), nil
}
