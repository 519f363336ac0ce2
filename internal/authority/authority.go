// Package authority implements the room membership state machine: create,
// join-or-request, approve/reject, leave with admin succession, teardown,
// and message submission. It is the only authorization gate in the system.
package authority

import (
	"context"
	"crypto/subtle"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"wisp/internal/crypto"
	"wisp/internal/models"
	"wisp/internal/store"
	"wisp/internal/utils"
)

// DefaultOpTimeout bounds every store round-trip; a stalled store fails
// with ErrTimeout instead of hanging the caller.
const DefaultOpTimeout = 10 * time.Second

type Authority struct {
	store     store.Store
	opTimeout time.Duration

	// derived room keys, cached per room id: PBKDF2 at 150k rounds is too
	// expensive to rerun per message.
	keyMu sync.Mutex
	keys  map[string][]byte
}

func New(st store.Store, opTimeout time.Duration) *Authority {
	if opTimeout <= 0 {
		opTimeout = DefaultOpTimeout
	}
	return &Authority{
		store:     st,
		opTimeout: opTimeout,
		keys:      make(map[string][]byte),
	}
}

func (a *Authority) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.opTimeout)
}

// mapStoreErr translates store failures into the caller-facing taxonomy.
func mapStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return models.ErrTimeout
	case errors.Is(err, context.Canceled):
		return models.ErrTimeout.WithDetails("cancelled")
	default:
		return models.ErrPersistence.WithDetails(err.Error())
	}
}

// CreateRoom registers a new room with a generated id and password; the
// creator becomes the sole participant and admin.
func (a *Authority) CreateRoom(ctx context.Context, actor models.User, name string) (*models.Room, error) {
	if actor.ID == "" || actor.Name == "" || name == "" {
		return nil, models.ErrInvalidInput.WithDetails("actor and room name must be non-empty")
	}
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	now := time.Now().UnixMicro()
	room := &models.Room{
		ID:        uuid.NewString(),
		Name:      name,
		Password:  utils.GenerateRoomPassword(),
		AdminID:   actor.ID,
		CreatedAt: now,
	}
	err := a.store.WithinTx(ctx, func(tx store.Tables) error {
		if err := tx.CreateRoom(ctx, room); err != nil {
			return err
		}
		return tx.AddParticipant(ctx, &models.Participant{
			RoomID:   room.ID,
			UserID:   actor.ID,
			Name:     actor.Name,
			IsAdmin:  true,
			JoinedAt: now,
		})
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}
	logrus.WithFields(logrus.Fields{"room_id": room.ID, "user_id": actor.ID}).Info("room created")
	return room, nil
}

// JoinOrRequest is the admission gate. A wrong password and a missing room
// are indistinguishable to the caller so room existence cannot be probed.
// Re-entry by a member and re-request by a waiting user are idempotent.
func (a *Authority) JoinOrRequest(ctx context.Context, actor models.User, roomID, password string) (*JoinResult, error) {
	if actor.ID == "" || roomID == "" || password == "" {
		return nil, models.ErrInvalidInput.WithDetails("actor, room id and password must be non-empty")
	}
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	var result *JoinResult
	err := a.store.WithinTx(ctx, func(tx store.Tables) error {
		room, err := tx.GetRoom(ctx, roomID)
		if errors.Is(err, store.ErrNoRows) {
			return models.ErrRoomNotFound
		}
		if err != nil {
			return err
		}
		if subtle.ConstantTimeCompare([]byte(room.Password), []byte(password)) != 1 {
			return models.ErrRoomNotFound
		}

		_, memberErr := tx.GetParticipant(ctx, roomID, actor.ID)
		isMember := memberErr == nil
		if memberErr != nil && !errors.Is(memberErr, store.ErrNoRows) {
			return memberErr
		}
		if actor.ID == room.AdminID || isMember {
			result, err = a.snapshot(ctx, tx, room, actor)
			return err
		}

		if pending, err := tx.FindJoinRequest(ctx, roomID, actor.ID); err == nil {
			result = &JoinResult{Outcome: OutcomePending, Request: pending}
			return nil
		} else if !errors.Is(err, store.ErrNoRows) {
			return err
		}

		req := &models.JoinRequest{
			ID:        uuid.NewString(),
			RoomID:    roomID,
			UserID:    actor.ID,
			UserName:  actor.Name,
			Timestamp: time.Now().UnixMicro(),
		}
		if err := tx.CreateJoinRequest(ctx, req); err != nil {
			return err
		}
		result = &JoinResult{Outcome: OutcomePending, Request: req}
		return nil
	})
	if err != nil {
		return nil, passOrMapErr(err)
	}
	logrus.WithFields(logrus.Fields{
		"room_id": roomID,
		"user_id": actor.ID,
		"outcome": result.Outcome.String(),
	}).Info("join attempt")
	return result, nil
}

// snapshot loads the live state a freshly (re)joined member needs.
func (a *Authority) snapshot(ctx context.Context, tx store.Tables, room *models.Room, actor models.User) (*JoinResult, error) {
	participants, err := tx.ListParticipants(ctx, room.ID)
	if err != nil {
		return nil, err
	}
	messages, err := tx.ListMessages(ctx, room.ID, 0)
	if err != nil {
		return nil, err
	}
	result := &JoinResult{
		Outcome:      OutcomeJoined,
		Room:         room,
		Participants: participants,
		Messages:     messages,
	}
	if room.AdminID == actor.ID {
		if result.Requests, err = tx.ListJoinRequests(ctx, room.ID); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// Approve admits the requester. Admin-only. The participant insert, the
// system message, and the request deletion commit together; a request can
// be resolved exactly once, so a retry (or a racing reject) gets
// ErrAlreadyResolved.
func (a *Authority) Approve(ctx context.Context, actor models.User, requestID string) error {
	if requestID == "" {
		return models.ErrInvalidInput.WithDetails("request id must be non-empty")
	}
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	var roomID string
	err := a.store.WithinTx(ctx, func(tx store.Tables) error {
		req, err := tx.GetJoinRequest(ctx, requestID)
		if errors.Is(err, store.ErrNoRows) {
			return models.ErrAlreadyResolved
		}
		if err != nil {
			return err
		}
		roomID = req.RoomID

		room, err := tx.GetRoom(ctx, req.RoomID)
		if errors.Is(err, store.ErrNoRows) {
			return models.ErrRoomNotFound
		}
		if err != nil {
			return err
		}
		if room.AdminID != actor.ID {
			return models.ErrUnauthorized.WithDetails("only the admin may approve join requests")
		}

		claimed, err := tx.DeleteJoinRequest(ctx, req.ID)
		if err != nil {
			return err
		}
		if !claimed {
			return models.ErrAlreadyResolved
		}

		err = tx.AddParticipant(ctx, &models.Participant{
			RoomID:   req.RoomID,
			UserID:   req.UserID,
			Name:     req.UserName,
			JoinedAt: time.Now().UnixMicro(),
		})
		if err != nil && !errors.Is(err, store.ErrDuplicate) {
			return err
		}
		return appendSystemMessage(ctx, tx, req.RoomID, req.UserName+" joined the room")
	})
	if err != nil {
		return passOrMapErr(err)
	}
	logrus.WithFields(logrus.Fields{"room_id": roomID, "request_id": requestID}).Info("join request approved")
	return nil
}

// Reject drops the request without admitting the requester. Admin-only; no
// message is emitted.
func (a *Authority) Reject(ctx context.Context, actor models.User, requestID string) error {
	if requestID == "" {
		return models.ErrInvalidInput.WithDetails("request id must be non-empty")
	}
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	var roomID string
	err := a.store.WithinTx(ctx, func(tx store.Tables) error {
		req, err := tx.GetJoinRequest(ctx, requestID)
		if errors.Is(err, store.ErrNoRows) {
			return models.ErrAlreadyResolved
		}
		if err != nil {
			return err
		}
		roomID = req.RoomID

		room, err := tx.GetRoom(ctx, req.RoomID)
		if errors.Is(err, store.ErrNoRows) {
			return models.ErrRoomNotFound
		}
		if err != nil {
			return err
		}
		if room.AdminID != actor.ID {
			return models.ErrUnauthorized.WithDetails("only the admin may reject join requests")
		}

		claimed, err := tx.DeleteJoinRequest(ctx, req.ID)
		if err != nil {
			return err
		}
		if !claimed {
			return models.ErrAlreadyResolved
		}
		return nil
	})
	if err != nil {
		return passOrMapErr(err)
	}
	logrus.WithFields(logrus.Fields{"room_id": roomID, "request_id": requestID}).Info("join request rejected")
	return nil
}

// Leave removes the actor from the room. The last departure tears the room
// down entirely; an admin departure promotes the earliest-joined remaining
// participant (ties broken by participant seq) so the room is never left
// without an admin while anyone remains.
func (a *Authority) Leave(ctx context.Context, actor models.User, roomID string) error {
	if roomID == "" {
		return models.ErrInvalidInput.WithDetails("room id must be non-empty")
	}
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	var tornDown bool
	err := a.store.WithinTx(ctx, func(tx store.Tables) error {
		room, err := tx.GetRoom(ctx, roomID)
		if errors.Is(err, store.ErrNoRows) {
			// already gone; leave is best-effort and may be retried
			return nil
		}
		if err != nil {
			return err
		}

		leaving, err := tx.GetParticipant(ctx, roomID, actor.ID)
		if errors.Is(err, store.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		if err := tx.DeleteParticipant(ctx, roomID, actor.ID); err != nil {
			return err
		}
		remaining, err := tx.ListParticipants(ctx, roomID)
		if err != nil {
			return err
		}

		if len(remaining) == 0 {
			tornDown = true
			return teardownRoom(ctx, tx, roomID)
		}

		if err := appendSystemMessage(ctx, tx, roomID, leaving.Name+" left the room"); err != nil {
			return err
		}
		if leaving.UserID == room.AdminID {
			successor := remaining[0]
			if err := tx.SetParticipantAdmin(ctx, roomID, successor.UserID, true); err != nil {
				return err
			}
			if err := tx.SetRoomAdmin(ctx, roomID, successor.UserID); err != nil {
				return err
			}
			if err := appendSystemMessage(ctx, tx, roomID, successor.Name+" is now the admin"); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return passOrMapErr(err)
	}
	if tornDown {
		a.forgetKey(roomID)
	}
	logrus.WithFields(logrus.Fields{"room_id": roomID, "user_id": actor.ID, "torn_down": tornDown}).Info("left room")
	return nil
}

// teardownRoom deletes everything the room owns, then the room itself.
func teardownRoom(ctx context.Context, tx store.Tables, roomID string) error {
	if err := tx.DeleteChatMessages(ctx, roomID); err != nil {
		return err
	}
	if err := tx.DeleteRoomJoinRequests(ctx, roomID); err != nil {
		return err
	}
	if err := tx.DeleteRoomParticipants(ctx, roomID); err != nil {
		return err
	}
	return tx.DeleteRoom(ctx, roomID)
}

// SendMessage encrypts content under the room key and appends it to the
// log. Content that already carries the envelope prefix was encrypted at
// the edge and passes through as-is. Sender must be a participant.
func (a *Authority) SendMessage(ctx context.Context, actor models.User, roomID, content string) (*models.Message, error) {
	if roomID == "" || content == "" {
		return nil, models.ErrInvalidInput.WithDetails("room id and content must be non-empty")
	}
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	var stored *models.Message
	err := a.store.WithinTx(ctx, func(tx store.Tables) error {
		room, err := tx.GetRoom(ctx, roomID)
		if errors.Is(err, store.ErrNoRows) {
			return models.ErrRoomNotFound
		}
		if err != nil {
			return err
		}
		if _, err := tx.GetParticipant(ctx, roomID, actor.ID); err != nil {
			if errors.Is(err, store.ErrNoRows) {
				return models.ErrUnauthorized.WithDetails("sender is not a participant")
			}
			return err
		}

		payload := content
		if !crypto.LooksEncrypted(payload) {
			key, err := a.roomKey(room)
			if err != nil {
				return err
			}
			if payload, err = crypto.Encrypt(content, key); err != nil {
				return err
			}
		}
		msg := &models.Message{
			ID:         uuid.NewString(),
			ChatID:     roomID,
			SenderID:   actor.ID,
			SenderName: actor.Name,
			Content:    payload,
			Timestamp:  time.Now().UnixMicro(),
			Encrypted:  true,
		}
		if err := tx.AppendMessage(ctx, msg); err != nil {
			return err
		}
		stored = msg
		return nil
	})
	if err != nil {
		return nil, passOrMapErr(err)
	}
	return stored, nil
}

// SendPrivateMessage appends to the private chat shared by actor and peer.
// The deterministic chat id doubles as the derivation input, so both sides
// encrypt and decrypt without any coordination. No admission control.
func (a *Authority) SendPrivateMessage(ctx context.Context, actor, peer models.User, content string) (*models.Message, error) {
	if peer.ID == "" || content == "" {
		return nil, models.ErrInvalidInput.WithDetails("peer and content must be non-empty")
	}
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	chatID := models.PrivateChatID(actor.ID, peer.ID)
	payload := content
	if !crypto.LooksEncrypted(payload) {
		key, err := PrivateChatKey(actor.ID, peer.ID)
		if err != nil {
			return nil, err
		}
		if payload, err = crypto.Encrypt(content, key); err != nil {
			return nil, err
		}
	}
	msg := &models.Message{
		ID:         uuid.NewString(),
		ChatID:     chatID,
		SenderID:   actor.ID,
		SenderName: actor.Name,
		Content:    payload,
		Timestamp:  time.Now().UnixMicro(),
		Encrypted:  true,
	}
	if err := a.store.AppendMessage(ctx, msg); err != nil {
		return nil, mapStoreErr(err)
	}
	return msg, nil
}

// PrivateChatKey derives the symmetric key for a private chat from the
// deterministic chat id.
func PrivateChatKey(userA, userB string) ([]byte, error) {
	chatID := models.PrivateChatID(userA, userB)
	return crypto.DeriveRoomKey(chatID, chatID)
}

// RoomKey exposes the cached room key for callers that render history.
func (a *Authority) RoomKey(room *models.Room) ([]byte, error) {
	return a.roomKey(room)
}

func (a *Authority) roomKey(room *models.Room) ([]byte, error) {
	a.keyMu.Lock()
	defer a.keyMu.Unlock()
	if key, ok := a.keys[room.ID]; ok {
		return key, nil
	}
	key, err := crypto.DeriveRoomKey(room.ID, room.Password)
	if err != nil {
		return nil, err
	}
	a.keys[room.ID] = key
	return key, nil
}

func (a *Authority) forgetKey(roomID string) {
	a.keyMu.Lock()
	delete(a.keys, roomID)
	a.keyMu.Unlock()
}

func appendSystemMessage(ctx context.Context, tx store.Tables, roomID, text string) error {
	return tx.AppendMessage(ctx, &models.Message{
		ID:         uuid.NewString(),
		ChatID:     roomID,
		SenderID:   models.SystemSender,
		SenderName: models.SystemSender,
		Content:    text,
		Timestamp:  time.Now().UnixMicro(),
		System:     true,
	})
}

// passOrMapErr keeps taxonomy errors intact and maps raw store failures.
func passOrMapErr(err error) error {
	for _, sentinel := range []error{
		models.ErrRoomNotFound,
		models.ErrUnauthorized,
		models.ErrAlreadyResolved,
		models.ErrInvalidInput,
	} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	return mapStoreErr(err)
}
