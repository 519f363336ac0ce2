package authority

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wisp/internal/crypto"
	"wisp/internal/models"
	"wisp/internal/store"
)

var (
	alice = models.User{ID: "u-alice", Name: "alice"}
	bob   = models.User{ID: "u-bob", Name: "bob"}
	carol = models.User{ID: "u-carol", Name: "carol"}
)

func newAuthority(t *testing.T) (*Authority, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	return New(st, 0), st
}

// createAndFill creates a room as alice and admits the given users through
// the full request/approve flow.
func createAndFill(t *testing.T, a *Authority, admits ...models.User) *models.Room {
	t.Helper()
	ctx := context.Background()
	room, err := a.CreateRoom(ctx, alice, "the room")
	require.NoError(t, err)
	for _, u := range admits {
		res, err := a.JoinOrRequest(ctx, u, room.ID, room.Password)
		require.NoError(t, err)
		require.Equal(t, OutcomePending, res.Outcome)
		require.NoError(t, a.Approve(ctx, alice, res.Request.ID))
	}
	return room
}

func adminCount(t *testing.T, st store.Store, roomID string) (admins int, adminID string) {
	t.Helper()
	ps, err := st.ListParticipants(context.Background(), roomID)
	require.NoError(t, err)
	for _, p := range ps {
		if p.IsAdmin {
			admins++
			adminID = p.UserID
		}
	}
	return admins, adminID
}

func TestCreateRoom(t *testing.T) {
	a, st := newAuthority(t)
	ctx := context.Background()

	room, err := a.CreateRoom(ctx, alice, "reading circle")
	require.NoError(t, err)
	require.NotEmpty(t, room.ID)
	require.NotEmpty(t, room.Password)
	require.Equal(t, alice.ID, room.AdminID)

	ps, err := st.ListParticipants(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, ps, 1)
	require.True(t, ps[0].IsAdmin)

	_, err = a.CreateRoom(ctx, alice, "")
	require.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestJoinWrongCredentialsIndistinguishable(t *testing.T) {
	a, _ := newAuthority(t)
	ctx := context.Background()
	room, err := a.CreateRoom(ctx, alice, "the room")
	require.NoError(t, err)

	_, err = a.JoinOrRequest(ctx, bob, room.ID, "wrong")
	require.ErrorIs(t, err, models.ErrRoomNotFound)

	_, err = a.JoinOrRequest(ctx, bob, "no-such-room", room.Password)
	require.ErrorIs(t, err, models.ErrRoomNotFound)
}

func TestJoinFlow(t *testing.T) {
	a, _ := newAuthority(t)
	ctx := context.Background()
	room, err := a.CreateRoom(ctx, alice, "the room")
	require.NoError(t, err)

	// admin re-entry is an immediate Joined with the live snapshot
	res, err := a.JoinOrRequest(ctx, alice, room.ID, room.Password)
	require.NoError(t, err)
	require.Equal(t, OutcomeJoined, res.Outcome)
	require.Len(t, res.Participants, 1)
	require.NotNil(t, res.Requests, "admin snapshot includes pending requests")

	// stranger goes pending
	res, err = a.JoinOrRequest(ctx, bob, room.ID, room.Password)
	require.NoError(t, err)
	require.Equal(t, OutcomePending, res.Outcome)
	firstReq := res.Request.ID

	// re-request is idempotent: same pending request
	res, err = a.JoinOrRequest(ctx, bob, room.ID, room.Password)
	require.NoError(t, err)
	require.Equal(t, OutcomePending, res.Outcome)
	require.Equal(t, firstReq, res.Request.ID)

	require.NoError(t, a.Approve(ctx, alice, firstReq))

	// member re-entry is Joined, and sees the join system message
	res, err = a.JoinOrRequest(ctx, bob, room.ID, room.Password)
	require.NoError(t, err)
	require.Equal(t, OutcomeJoined, res.Outcome)
	require.Len(t, res.Participants, 2)
	require.Len(t, res.Messages, 1)
	require.True(t, res.Messages[0].System)
	require.Equal(t, "bob joined the room", res.Messages[0].Content)
}

func TestApproveAuthorization(t *testing.T) {
	a, _ := newAuthority(t)
	ctx := context.Background()
	room, err := a.CreateRoom(ctx, alice, "the room")
	require.NoError(t, err)

	res, err := a.JoinOrRequest(ctx, bob, room.ID, room.Password)
	require.NoError(t, err)

	require.ErrorIs(t, a.Approve(ctx, carol, res.Request.ID), models.ErrUnauthorized)
	require.ErrorIs(t, a.Reject(ctx, bob, res.Request.ID), models.ErrUnauthorized)
	require.NoError(t, a.Approve(ctx, alice, res.Request.ID))
}

func TestApproveIdempotence(t *testing.T) {
	a, st := newAuthority(t)
	ctx := context.Background()
	room, err := a.CreateRoom(ctx, alice, "the room")
	require.NoError(t, err)

	res, err := a.JoinOrRequest(ctx, bob, room.ID, room.Password)
	require.NoError(t, err)

	require.NoError(t, a.Approve(ctx, alice, res.Request.ID))
	require.ErrorIs(t, a.Approve(ctx, alice, res.Request.ID), models.ErrAlreadyResolved)

	ps, err := st.ListParticipants(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, ps, 2, "participant added exactly once")
}

func TestRejectDeletesRequestSilently(t *testing.T) {
	a, st := newAuthority(t)
	ctx := context.Background()
	room, err := a.CreateRoom(ctx, alice, "the room")
	require.NoError(t, err)

	res, err := a.JoinOrRequest(ctx, bob, room.ID, room.Password)
	require.NoError(t, err)
	require.NoError(t, a.Reject(ctx, alice, res.Request.ID))
	require.ErrorIs(t, a.Reject(ctx, alice, res.Request.ID), models.ErrAlreadyResolved)

	msgs, err := st.ListMessages(ctx, room.ID, 0)
	require.NoError(t, err)
	require.Empty(t, msgs, "reject emits no message")

	ps, err := st.ListParticipants(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, ps, 1)
}

func TestConcurrentApproveReject(t *testing.T) {
	a, st := newAuthority(t)
	ctx := context.Background()
	room, err := a.CreateRoom(ctx, alice, "the room")
	require.NoError(t, err)

	res, err := a.JoinOrRequest(ctx, bob, room.ID, room.Password)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); errs[0] = a.Approve(ctx, alice, res.Request.ID) }()
	go func() { defer wg.Done(); errs[1] = a.Reject(ctx, alice, res.Request.ID) }()
	wg.Wait()

	var resolved, stale int
	for _, err := range errs {
		if err == nil {
			resolved++
		} else {
			require.ErrorIs(t, err, models.ErrAlreadyResolved)
			stale++
		}
	}
	require.Equal(t, 1, resolved, "exactly one resolution takes effect")
	require.Equal(t, 1, stale)

	_, err = st.GetJoinRequest(ctx, res.Request.ID)
	require.ErrorIs(t, err, store.ErrNoRows)
}

func TestAdminSuccession(t *testing.T) {
	a, st := newAuthority(t)
	ctx := context.Background()
	room := createAndFill(t, a, bob, carol) // bob admitted before carol

	require.NoError(t, a.Leave(ctx, alice, room.ID))

	got, err := st.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	require.Equal(t, bob.ID, got.AdminID, "earliest-joined remaining participant succeeds")

	admins, adminID := adminCount(t, st, room.ID)
	require.Equal(t, 1, admins)
	require.Equal(t, bob.ID, adminID)

	msgs, err := st.ListMessages(ctx, room.ID, 0)
	require.NoError(t, err)
	last := msgs[len(msgs)-1]
	require.True(t, last.System)
	require.Equal(t, "bob is now the admin", last.Content)
}

func TestAdminInvariantUnderChurn(t *testing.T) {
	a, st := newAuthority(t)
	ctx := context.Background()
	room := createAndFill(t, a, bob, carol)

	require.NoError(t, a.Leave(ctx, alice, room.ID)) // bob takes over
	require.NoError(t, a.Leave(ctx, bob, room.ID))   // carol takes over

	admins, adminID := adminCount(t, st, room.ID)
	require.Equal(t, 1, admins, "exactly one admin while participants remain")
	require.Equal(t, carol.ID, adminID)
}

func TestConcurrentLeavesSingleSuccessor(t *testing.T) {
	a, st := newAuthority(t)
	ctx := context.Background()
	room := createAndFill(t, a, bob, carol)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = a.Leave(ctx, alice, room.ID) }()
	go func() { defer wg.Done(); _ = a.Leave(ctx, bob, room.ID) }()
	wg.Wait()

	got, err := st.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	require.Equal(t, carol.ID, got.AdminID)

	admins, _ := adminCount(t, st, room.ID)
	require.Equal(t, 1, admins)
}

func TestLastLeaveTearsDownRoom(t *testing.T) {
	a, st := newAuthority(t)
	ctx := context.Background()
	room := createAndFill(t, a, bob)

	_, err := a.SendMessage(ctx, bob, room.ID, "hello")
	require.NoError(t, err)

	require.NoError(t, a.Leave(ctx, bob, room.ID))
	require.NoError(t, a.Leave(ctx, alice, room.ID))

	_, err = st.GetRoom(ctx, room.ID)
	require.ErrorIs(t, err, store.ErrNoRows)

	msgs, err := st.ListMessages(ctx, room.ID, 0)
	require.NoError(t, err)
	require.Empty(t, msgs)

	reqs, err := st.ListJoinRequests(ctx, room.ID)
	require.NoError(t, err)
	require.Empty(t, reqs)

	// a request arriving after teardown sees no room
	_, err = a.JoinOrRequest(ctx, carol, room.ID, room.Password)
	require.ErrorIs(t, err, models.ErrRoomNotFound)
}

func TestLeaveIsIdempotent(t *testing.T) {
	a, _ := newAuthority(t)
	ctx := context.Background()
	room := createAndFill(t, a, bob)

	require.NoError(t, a.Leave(ctx, bob, room.ID))
	// retried best-effort leave (e.g. after disconnect) is a no-op
	require.NoError(t, a.Leave(ctx, bob, room.ID))
	require.NoError(t, a.Leave(ctx, bob, "already-gone"))
}

func TestSendMessageEncryptsAtRest(t *testing.T) {
	a, st := newAuthority(t)
	ctx := context.Background()
	room := createAndFill(t, a, bob)

	msg, err := a.SendMessage(ctx, bob, room.ID, "hello")
	require.NoError(t, err)
	require.True(t, msg.Encrypted)
	require.True(t, crypto.LooksEncrypted(msg.Content))
	require.NotContains(t, msg.Content, "hello")

	// both members decrypt with the independently derived key
	key, err := crypto.DeriveRoomKey(room.ID, room.Password)
	require.NoError(t, err)
	stored, err := st.ListMessages(ctx, room.ID, 0)
	require.NoError(t, err)
	last := stored[len(stored)-1]
	pt, err := crypto.Decrypt(last.Content, key)
	require.NoError(t, err)
	require.Equal(t, "hello", pt)
}

func TestSendMessageRequiresMembership(t *testing.T) {
	a, _ := newAuthority(t)
	ctx := context.Background()
	room, err := a.CreateRoom(ctx, alice, "the room")
	require.NoError(t, err)

	_, err = a.SendMessage(ctx, bob, room.ID, "sneaky")
	require.ErrorIs(t, err, models.ErrUnauthorized)

	_, err = a.SendMessage(ctx, alice, "no-such-room", "hi")
	require.ErrorIs(t, err, models.ErrRoomNotFound)
}

func TestPrivateMessages(t *testing.T) {
	a, st := newAuthority(t)
	ctx := context.Background()

	msg, err := a.SendPrivateMessage(ctx, alice, bob, "psst")
	require.NoError(t, err)
	require.True(t, msg.Encrypted)
	require.Equal(t, models.PrivateChatID(alice.ID, bob.ID), msg.ChatID)

	// both sides resolve the same chat id regardless of direction
	reply, err := a.SendPrivateMessage(ctx, bob, alice, "heard you")
	require.NoError(t, err)
	require.Equal(t, msg.ChatID, reply.ChatID)

	key, err := PrivateChatKey(bob.ID, alice.ID)
	require.NoError(t, err)
	msgs, err := st.ListMessages(ctx, msg.ChatID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	pt, err := crypto.Decrypt(msgs[0].Content, key)
	require.NoError(t, err)
	require.Equal(t, "psst", pt)
}

func TestOperationTimeout(t *testing.T) {
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	a := New(st, 50*time.Millisecond)
	ctx := context.Background()

	// hold the store's write slot so the operation cannot start
	release := make(chan struct{})
	go func() {
		_ = st.WithinTx(ctx, func(tx store.Tables) error {
			<-release
			return nil
		})
	}()
	time.Sleep(10 * time.Millisecond)

	_, err := a.CreateRoom(ctx, alice, "stuck")
	require.ErrorIs(t, err, models.ErrTimeout)
	close(release)
}

func TestApproveAfterTeardown(t *testing.T) {
	a, _ := newAuthority(t)
	ctx := context.Background()
	room, err := a.CreateRoom(ctx, alice, "the room")
	require.NoError(t, err)

	res, err := a.JoinOrRequest(ctx, bob, room.ID, room.Password)
	require.NoError(t, err)

	require.NoError(t, a.Leave(ctx, alice, room.ID)) // teardown deletes the request too

	err = a.Approve(ctx, alice, res.Request.ID)
	require.ErrorIs(t, err, models.ErrAlreadyResolved)
}
