// Package profile holds the client's local identity: a stable user id, a
// display name, and a password-sealed cache of room secrets so re-entering
// a room does not mean re-typing its password.
package profile

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/json"
	"os"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"
	chacha "golang.org/x/crypto/chacha20poly1305"

	"wisp/internal/crypto"
	"wisp/internal/models"
)

type Profile struct {
	UserID           string `json:"user_id"`
	Username         string `json:"username"`
	PasswordSalt     []byte `json:"password_salt"`
	PasswordChecksum []byte `json:"password_checksum"`
	RoomSecretsEnc   []byte `json:"room_secrets_enc"` // encrypted w/ password

	path    string
	passKey []byte
	secrets map[string]string
}

func deriveKeys(pass string, salt []byte) (passKey, checksum []byte) {
	passKey = argon2.IDKey([]byte(pass), salt, 1, 64*1024, 4, 32)
	checksum = argon2.IDKey([]byte(pass), salt, 3, 8*1024, 2, 32)
	return
}

// Generate creates a fresh profile and writes it to disk. pathOverride is
// for tests; empty means ~/.wisp/<username>_profile.json.
func Generate(username, pass, pathOverride string) (*Profile, error) {
	if username == "" || pass == "" {
		return nil, models.ErrInvalidInput.WithDetails("username and password are required")
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	passKey, checksum := deriveKeys(pass, salt)

	path, err := profilePath(username, pathOverride)
	if err != nil {
		return nil, err
	}

	prof := &Profile{
		UserID:           uuid.NewString(),
		Username:         username,
		PasswordSalt:     salt,
		PasswordChecksum: checksum,
		path:             path,
		passKey:          passKey,
		secrets:          make(map[string]string),
	}
	if err := prof.save(); err != nil {
		return nil, err
	}
	return prof, nil
}

// Load opens an existing profile, verifying the password before unsealing
// the room secret cache.
func Load(username, pass, pathOverride string) (*Profile, error) {
	path, err := profilePath(username, pathOverride)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, ErrProfileNotFound.WithDetails(path)
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var prof Profile
	if err := json.NewDecoder(file).Decode(&prof); err != nil {
		return nil, err
	}
	passKey, checksum := deriveKeys(pass, prof.PasswordSalt)
	if !hmac.Equal(checksum, prof.PasswordChecksum) {
		return nil, ErrInvalidPassword
	}
	prof.path = path
	prof.passKey = passKey
	prof.secrets = make(map[string]string)

	if len(prof.RoomSecretsEnc) > 0 {
		aead, err := chacha.New(passKey)
		if err != nil {
			return nil, err
		}
		raw, err := crypto.OpenAEAD(prof.RoomSecretsEnc, aead)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &prof.secrets); err != nil {
			return nil, err
		}
	}
	return &prof, nil
}

// User returns the identity this profile presents to the hub.
func (p *Profile) User() models.User {
	return models.User{ID: p.UserID, Name: p.Username}
}

// RoomSecret returns the cached password for a room, if any.
func (p *Profile) RoomSecret(roomID string) (string, bool) {
	secret, ok := p.secrets[roomID]
	return secret, ok
}

// RememberRoom caches a room password and persists the profile.
func (p *Profile) RememberRoom(roomID, secret string) error {
	p.secrets[roomID] = secret
	return p.save()
}

// ForgetRoom drops a cached password, typically after the room is gone.
func (p *Profile) ForgetRoom(roomID string) error {
	if _, ok := p.secrets[roomID]; !ok {
		return nil
	}
	delete(p.secrets, roomID)
	return p.save()
}

func (p *Profile) save() error {
	raw, err := json.Marshal(p.secrets)
	if err != nil {
		return err
	}
	aead, err := chacha.New(p.passKey)
	if err != nil {
		return err
	}
	sealed, err := crypto.SealAEAD(raw, aead)
	if err != nil {
		return err
	}
	p.RoomSecretsEnc = sealed

	if err := ensureDir(p.path); err != nil {
		return err
	}
	file, err := os.OpenFile(p.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer file.Close()

	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	return enc.Encode(p)
}
