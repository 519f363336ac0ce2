// Package store is the row-store behind the membership authority: four
// entity tables (rooms, participants, join_requests, messages) with CRUD,
// transactions, and a subscribe-to-changes feed filterable by chat id.
package store

import (
	"context"

	"wisp/internal/models"
)

type Table string

const (
	TableRooms        Table = "rooms"
	TableParticipants Table = "participants"
	TableJoinRequests Table = "join_requests"
	TableMessages     Table = "messages"
)

type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Event is one committed change. Exactly one of the row pointers is set,
// matching Table. Bulk purges (room teardown) emit no per-row events; the
// room deletion event is the terminal signal for that room's watchers.
type Event struct {
	Op          Op                  `json:"op"`
	Table       Table               `json:"table"`
	ChatID      string              `json:"chat_id"`
	Room        *models.Room        `json:"room,omitempty"`
	Participant *models.Participant `json:"participant,omitempty"`
	JoinRequest *models.JoinRequest `json:"join_request,omitempty"`
	Message     *models.Message     `json:"message,omitempty"`
}

// Tables is the per-table CRUD surface. Implementations assign Seq on
// participant and message inserts; Seq totally orders messages per chat and
// breaks joined-at ties among participants.
type Tables interface {
	CreateRoom(ctx context.Context, room *models.Room) error
	GetRoom(ctx context.Context, roomID string) (*models.Room, error)
	ListRooms(ctx context.Context) ([]*models.Room, error)
	SetRoomAdmin(ctx context.Context, roomID, adminID string) error
	DeleteRoom(ctx context.Context, roomID string) error

	AddParticipant(ctx context.Context, p *models.Participant) error
	GetParticipant(ctx context.Context, roomID, userID string) (*models.Participant, error)
	// ListParticipants orders by joined_at, then seq.
	ListParticipants(ctx context.Context, roomID string) ([]*models.Participant, error)
	CountParticipants(ctx context.Context, roomID string) (int, error)
	SetParticipantAdmin(ctx context.Context, roomID, userID string, isAdmin bool) error
	DeleteParticipant(ctx context.Context, roomID, userID string) error
	DeleteRoomParticipants(ctx context.Context, roomID string) error

	CreateJoinRequest(ctx context.Context, req *models.JoinRequest) error
	GetJoinRequest(ctx context.Context, requestID string) (*models.JoinRequest, error)
	FindJoinRequest(ctx context.Context, roomID, userID string) (*models.JoinRequest, error)
	ListJoinRequests(ctx context.Context, roomID string) ([]*models.JoinRequest, error)
	// DeleteJoinRequest reports whether this call removed the row, so
	// concurrent approve/reject resolve a request exactly once.
	DeleteJoinRequest(ctx context.Context, requestID string) (bool, error)
	DeleteRoomJoinRequests(ctx context.Context, roomID string) error

	AppendMessage(ctx context.Context, msg *models.Message) error
	// ListMessages returns up to limit messages in seq order (all when
	// limit <= 0).
	ListMessages(ctx context.Context, chatID string, limit int) ([]*models.Message, error)
	DeleteChatMessages(ctx context.Context, chatID string) error
}

// Store adds transactions and the change feed on top of Tables. Events for
// changes made inside WithinTx are buffered and published only on commit,
// in commit order, at least once.
type Store interface {
	Tables

	WithinTx(ctx context.Context, fn func(tx Tables) error) error
	Subscribe(table Table, chatID string) *Subscription
	Close() error
}
