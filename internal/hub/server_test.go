package hub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wisp/internal/authority"
	"wisp/internal/crypto"
	"wisp/internal/directory"
	"wisp/internal/models"
	"wisp/internal/store"
)

var (
	alice = models.User{ID: "u-alice", Name: "alice"}
	bob   = models.User{ID: "u-bob", Name: "bob"}
)

func startHub(t *testing.T) (*Server, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	auth := authority.New(st, 0)
	dir := directory.New(st, 0)
	srv := NewServer(auth, dir, st)
	require.NoError(t, srv.Listen("127.0.0.1:0"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		st.Close()
	})
	return srv, st
}

func dial(t *testing.T, srv *Server) *Client {
	t.Helper()
	c, err := Dial(srv.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCreateListJoin(t *testing.T) {
	srv, _ := startHub(t)
	c := dial(t, srv)

	created, err := c.CreateRoom(models.CreateRoomRequest{Name: "den", Sender: alice})
	require.NoError(t, err)
	require.Empty(t, created.Error)
	require.NotEmpty(t, created.Room.Password)

	listed, err := c.ListRooms()
	require.NoError(t, err)
	require.Empty(t, listed.Error)
	require.Len(t, listed.Rooms, 1)
	require.Equal(t, "den", listed.Rooms[0].Name)

	joined, err := c.Join(models.JoinRoomRequest{
		RoomID: created.Room.ID, Password: created.Room.Password, Sender: alice,
	})
	require.NoError(t, err)
	require.Empty(t, joined.Error)
	require.Equal(t, "joined", joined.Outcome)
	require.Len(t, joined.Participants, 1)
}

func TestJoinWrongPasswordIsOpaque(t *testing.T) {
	srv, _ := startHub(t)
	c := dial(t, srv)

	created, err := c.CreateRoom(models.CreateRoomRequest{Name: "den", Sender: alice})
	require.NoError(t, err)

	badPass, err := c.Join(models.JoinRoomRequest{
		RoomID: created.Room.ID, Password: "wrong", Sender: bob,
	})
	require.NoError(t, err)
	badRoom, err := c.Join(models.JoinRoomRequest{
		RoomID: "no-such-room", Password: "wrong", Sender: bob,
	})
	require.NoError(t, err)
	require.NotEmpty(t, badPass.Error)
	require.Equal(t, badRoom.Error, badPass.Error, "wrong password and missing room must read the same")
}

func TestRequestApproveFlow(t *testing.T) {
	srv, _ := startHub(t)
	admin := dial(t, srv)
	member := dial(t, srv)

	created, err := admin.CreateRoom(models.CreateRoomRequest{Name: "den", Sender: alice})
	require.NoError(t, err)
	room := created.Room
	_, err = admin.Join(models.JoinRoomRequest{RoomID: room.ID, Password: room.Password, Sender: alice})
	require.NoError(t, err)

	pending, err := member.Join(models.JoinRoomRequest{RoomID: room.ID, Password: room.Password, Sender: bob})
	require.NoError(t, err)
	require.Equal(t, "pending", pending.Outcome)

	// the admin's re-entry snapshot carries the queue
	reentry, err := admin.Join(models.JoinRoomRequest{RoomID: room.ID, Password: room.Password, Sender: alice})
	require.NoError(t, err)
	require.Len(t, reentry.Requests, 1)

	resolved, err := admin.Approve(models.ResolveRequestRequest{
		RequestID: reentry.Requests[0].ID, Sender: alice,
	})
	require.NoError(t, err)
	require.Empty(t, resolved.Error)

	again, err := admin.Approve(models.ResolveRequestRequest{
		RequestID: reentry.Requests[0].ID, Sender: alice,
	})
	require.NoError(t, err)
	require.NotEmpty(t, again.Error, "second resolution must fail in-band")

	joined, err := member.Join(models.JoinRoomRequest{RoomID: room.ID, Password: room.Password, Sender: bob})
	require.NoError(t, err)
	require.Equal(t, "joined", joined.Outcome)
	require.Len(t, joined.Participants, 2)
}

func TestSendAndWatch(t *testing.T) {
	srv, _ := startHub(t)
	c := dial(t, srv)

	created, err := c.CreateRoom(models.CreateRoomRequest{Name: "den", Sender: alice})
	require.NoError(t, err)
	room := created.Room
	_, err = c.Join(models.JoinRoomRequest{RoomID: room.ID, Password: room.Password, Sender: alice})
	require.NoError(t, err)

	w, err := c.Watch(room.ID)
	require.NoError(t, err)
	defer w.Close()

	sent, err := c.SendMessage(models.SendMessageRequest{RoomID: room.ID, Content: "hello", Sender: alice})
	require.NoError(t, err)
	require.Empty(t, sent.Error)
	require.True(t, crypto.LooksEncrypted(sent.Message.Content), "stored content must be an envelope")

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-w.Events:
			require.True(t, ok, "stream ended before the message arrived")
			if ev.Table == store.TableMessages && ev.Message != nil && ev.Message.ID == sent.Message.ID {
				require.True(t, crypto.LooksEncrypted(ev.Message.Content))
				return
			}
		case <-deadline:
			t.Fatal("message event never arrived")
		}
	}
}

func TestWatchRedactsRoomPassword(t *testing.T) {
	srv, _ := startHub(t)
	c := dial(t, srv)

	created, err := c.CreateRoom(models.CreateRoomRequest{Name: "den", Sender: alice})
	require.NoError(t, err)
	room := created.Room
	_, err = c.Join(models.JoinRoomRequest{RoomID: room.ID, Password: room.Password, Sender: alice})
	require.NoError(t, err)

	w, err := c.Watch(room.ID)
	require.NoError(t, err)
	defer w.Close()

	// last leave tears the room down; the delete event is the terminal signal
	left, err := c.Leave(models.LeaveRoomRequest{RoomID: room.ID, Sender: alice})
	require.NoError(t, err)
	require.Empty(t, left.Error)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-w.Events:
			require.True(t, ok, "stream ended before the room delete event")
			if ev.Table == store.TableRooms && ev.Op == store.OpDelete {
				require.NotNil(t, ev.Room)
				require.Empty(t, ev.Room.Password, "room rows on the wire must not carry the password")
				return
			}
		case <-deadline:
			t.Fatal("room delete event never arrived")
		}
	}
}

func TestPrivateMessagesOverRPC(t *testing.T) {
	srv, _ := startHub(t)
	c := dial(t, srv)

	sent, err := c.SendPrivate(models.SendPrivateRequest{Peer: bob, Content: "psst", Sender: alice})
	require.NoError(t, err)
	require.Empty(t, sent.Error)
	require.Equal(t, models.PrivateChatID(alice.ID, bob.ID), sent.Message.ChatID)
	require.True(t, crypto.LooksEncrypted(sent.Message.Content))

	key, err := authority.PrivateChatKey(bob.ID, alice.ID)
	require.NoError(t, err)
	plain, err := crypto.Decrypt(sent.Message.Content, key)
	require.NoError(t, err)
	require.Equal(t, "psst", plain)
}

func TestUnknownMethod(t *testing.T) {
	srv, _ := startHub(t)
	c := dial(t, srv)

	var resp map[string]string
	require.NoError(t, c.call("Bogus", struct{}{}, &resp))
	require.Contains(t, resp["error"], "unknown method")
}
