package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wisp/internal/models"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore("file:" + filepath.Join(t.TempDir(), "wisp_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	mem := NewMemoryStore()
	t.Cleanup(func() { mem.Close() })

	return map[string]Store{"memory": mem, "sqlite": sqlite}
}

func seedRoom(t *testing.T, s Store, id string) *models.Room {
	t.Helper()
	room := &models.Room{
		ID:        id,
		Name:      "room " + id,
		Password:  "pw-" + id,
		AdminID:   "alice",
		CreatedAt: time.Now().UnixMicro(),
	}
	require.NoError(t, s.CreateRoom(context.Background(), room))
	return room
}

func TestRoomCRUD(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			room := seedRoom(t, s, "r1")

			got, err := s.GetRoom(ctx, "r1")
			require.NoError(t, err)
			require.Equal(t, room, got)

			require.ErrorIs(t, s.CreateRoom(ctx, room), ErrDuplicate)

			_, err = s.GetRoom(ctx, "missing")
			require.ErrorIs(t, err, ErrNoRows)

			require.NoError(t, s.SetRoomAdmin(ctx, "r1", "bob"))
			got, err = s.GetRoom(ctx, "r1")
			require.NoError(t, err)
			require.Equal(t, "bob", got.AdminID)

			require.NoError(t, s.DeleteRoom(ctx, "r1"))
			_, err = s.GetRoom(ctx, "r1")
			require.ErrorIs(t, err, ErrNoRows)

			// deleting a deleted room is a no-op
			require.NoError(t, s.DeleteRoom(ctx, "r1"))
		})
	}
}

func TestParticipantOrdering(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedRoom(t, s, "r1")

			base := time.Now().UnixMicro()
			for _, p := range []*models.Participant{
				{RoomID: "r1", UserID: "carol", Name: "Carol", JoinedAt: base + 20},
				{RoomID: "r1", UserID: "alice", Name: "Alice", IsAdmin: true, JoinedAt: base},
				{RoomID: "r1", UserID: "bob", Name: "Bob", JoinedAt: base + 10},
				// same joined-at as bob: seq decides
				{RoomID: "r1", UserID: "dave", Name: "Dave", JoinedAt: base + 10},
			} {
				require.NoError(t, s.AddParticipant(ctx, p))
				require.NotZero(t, p.Seq)
			}

			ps, err := s.ListParticipants(ctx, "r1")
			require.NoError(t, err)
			ids := make([]string, len(ps))
			for i, p := range ps {
				ids[i] = p.UserID
			}
			require.Equal(t, []string{"alice", "bob", "dave", "carol"}, ids)

			n, err := s.CountParticipants(ctx, "r1")
			require.NoError(t, err)
			require.Equal(t, 4, n)

			dup := &models.Participant{RoomID: "r1", UserID: "bob", Name: "Bob", JoinedAt: base}
			require.ErrorIs(t, s.AddParticipant(ctx, dup), ErrDuplicate)
		})
	}
}

func TestJoinRequestClaim(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedRoom(t, s, "r1")

			req := &models.JoinRequest{ID: "q1", RoomID: "r1", UserID: "bob", UserName: "Bob", Timestamp: time.Now().UnixMicro()}
			require.NoError(t, s.CreateJoinRequest(ctx, req))

			// one pending request per (room, user)
			again := &models.JoinRequest{ID: "q2", RoomID: "r1", UserID: "bob", UserName: "Bob", Timestamp: time.Now().UnixMicro()}
			require.ErrorIs(t, s.CreateJoinRequest(ctx, again), ErrDuplicate)

			found, err := s.FindJoinRequest(ctx, "r1", "bob")
			require.NoError(t, err)
			require.Equal(t, "q1", found.ID)

			claimed, err := s.DeleteJoinRequest(ctx, "q1")
			require.NoError(t, err)
			require.True(t, claimed)

			claimed, err = s.DeleteJoinRequest(ctx, "q1")
			require.NoError(t, err)
			require.False(t, claimed, "second delete must not claim the request")

			// an empty queue lists as an empty slice, not nil
			reqs, err := s.ListJoinRequests(ctx, "r1")
			require.NoError(t, err)
			require.NotNil(t, reqs)
			require.Empty(t, reqs)
		})
	}
}

func TestMessageSequence(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedRoom(t, s, "r1")

			var lastSeq int64
			for i, content := range []string{"one", "two", "three"} {
				msg := &models.Message{
					ID:         "m" + string(rune('1'+i)),
					ChatID:     "r1",
					SenderID:   "alice",
					SenderName: "Alice",
					Content:    content,
					Timestamp:  time.Now().UnixMicro(),
				}
				require.NoError(t, s.AppendMessage(ctx, msg))
				require.Greater(t, msg.Seq, lastSeq, "seq must be strictly monotonic")
				lastSeq = msg.Seq
			}

			msgs, err := s.ListMessages(ctx, "r1", 0)
			require.NoError(t, err)
			require.Len(t, msgs, 3)
			require.Equal(t, "one", msgs[0].Content)
			require.Equal(t, "three", msgs[2].Content)

			tail, err := s.ListMessages(ctx, "r1", 2)
			require.NoError(t, err)
			require.Len(t, tail, 2)
			require.Equal(t, "two", tail[0].Content)
			require.Equal(t, "three", tail[1].Content)
		})
	}
}

func TestWithinTxRollback(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedRoom(t, s, "r1")

			sub := s.Subscribe(TableMessages, "r1")
			defer sub.Cancel()

			boom := errors.New("boom")
			err := s.WithinTx(ctx, func(tx Tables) error {
				msg := &models.Message{ID: "m1", ChatID: "r1", SenderID: "alice", SenderName: "Alice", Content: "rolled back"}
				if err := tx.AppendMessage(ctx, msg); err != nil {
					return err
				}
				return boom
			})
			require.ErrorIs(t, err, boom)

			msgs, err := s.ListMessages(ctx, "r1", 0)
			require.NoError(t, err)
			require.Empty(t, msgs, "rolled-back insert must not persist")

			select {
			case ev := <-sub.C:
				t.Fatalf("no event expected after rollback, got %+v", ev)
			case <-time.After(50 * time.Millisecond):
			}
		})
	}
}

func TestFeedDelivery(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedRoom(t, s, "r1")
			seedRoom(t, s, "r2")

			sub := s.Subscribe(TableMessages, "r1")
			defer sub.Cancel()
			all := s.Subscribe("", "r1")
			defer all.Cancel()

			// filtered out: different chat
			require.NoError(t, s.AppendMessage(ctx, &models.Message{ID: "other", ChatID: "r2", SenderID: "x", SenderName: "x", Content: "other"}))

			require.NoError(t, s.WithinTx(ctx, func(tx Tables) error {
				if err := tx.AppendMessage(ctx, &models.Message{ID: "m1", ChatID: "r1", SenderID: "alice", SenderName: "Alice", Content: "first"}); err != nil {
					return err
				}
				return tx.AppendMessage(ctx, &models.Message{ID: "m2", ChatID: "r1", SenderID: "alice", SenderName: "Alice", Content: "second"})
			}))

			ev1 := waitEvent(t, sub)
			require.Equal(t, OpInsert, ev1.Op)
			require.Equal(t, "first", ev1.Message.Content)
			ev2 := waitEvent(t, sub)
			require.Equal(t, "second", ev2.Message.Content, "commit order must be preserved")

			// the unfiltered-table subscription sees participant changes too
			require.NoError(t, s.AddParticipant(ctx, &models.Participant{RoomID: "r1", UserID: "bob", Name: "Bob", JoinedAt: time.Now().UnixMicro()}))
			seen := map[Table]bool{}
			for i := 0; i < 3; i++ {
				seen[waitEvent(t, all).Table] = true
			}
			require.True(t, seen[TableMessages])
			require.True(t, seen[TableParticipants])
		})
	}
}

func TestSubscriptionCancel(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	sub := s.Subscribe(TableMessages, "r1")
	sub.Cancel()
	_, open := <-sub.C
	require.False(t, open, "cancel must close the channel")
	// double cancel is safe
	sub.Cancel()
}

func waitEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		require.True(t, ok, "subscription closed unexpectedly")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for feed event")
		return Event{}
	}
}
