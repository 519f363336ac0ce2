package profile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alice_profile.json")

	created, err := Generate("alice", "hunter2", path)
	require.NoError(t, err)
	require.NotEmpty(t, created.UserID)
	require.Equal(t, "alice", created.User().Name)

	loaded, err := Load("alice", "hunter2", path)
	require.NoError(t, err)
	require.Equal(t, created.UserID, loaded.UserID, "user id must survive reload")
}

func TestLoadWrongPassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alice_profile.json")
	_, err := Generate("alice", "hunter2", path)
	require.NoError(t, err)

	_, err = Load("alice", "hunter3", path)
	require.ErrorIs(t, err, ErrInvalidPassword)
}

func TestLoadMissingProfile(t *testing.T) {
	_, err := Load("nobody", "pw", filepath.Join(t.TempDir(), "nope.json"))
	require.ErrorIs(t, err, ErrProfileNotFound)
}

func TestRoomSecretsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alice_profile.json")
	created, err := Generate("alice", "hunter2", path)
	require.NoError(t, err)

	require.NoError(t, created.RememberRoom("room-1", "s3cret"))
	require.NoError(t, created.RememberRoom("room-2", "other"))

	loaded, err := Load("alice", "hunter2", path)
	require.NoError(t, err)
	secret, ok := loaded.RoomSecret("room-1")
	require.True(t, ok)
	require.Equal(t, "s3cret", secret)

	require.NoError(t, loaded.ForgetRoom("room-1"))
	require.NoError(t, loaded.ForgetRoom("room-1")) // idempotent

	again, err := Load("alice", "hunter2", path)
	require.NoError(t, err)
	_, ok = again.RoomSecret("room-1")
	require.False(t, ok)
	secret, ok = again.RoomSecret("room-2")
	require.True(t, ok)
	require.Equal(t, "other", secret)
}

func TestSecretsNotStoredInTheClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alice_profile.json")
	created, err := Generate("alice", "hunter2", path)
	require.NoError(t, err)
	require.NoError(t, created.RememberRoom("room-1", "s3cret-marker"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "s3cret-marker")

	var onDisk map[string]any
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	require.NotContains(t, onDisk, "path", "unexported state must not leak to disk")
}
