// Package models defines the global data models used across the application
// (for both the client and the hub).
package models

import (
	"sort"
	"strings"
)

// User identifies the caller of an operation. It is passed explicitly to
// every authority call; there is no ambient session state.
type User struct {
	ID   string `json:"user_id"`
	Name string `json:"name"`
}

type Room struct {
	ID        string `json:"room_id"`
	Name      string `json:"name"`
	Password  string `json:"password,omitempty"`
	AdminID   string `json:"admin_id"`
	CreatedAt int64  `json:"created_at"` // unix micro
}

// Participant is one member of one room. Seq is assigned by the store on
// insert and breaks joined-at ties during admin succession.
type Participant struct {
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	Name     string `json:"name"`
	IsAdmin  bool   `json:"is_admin"`
	JoinedAt int64  `json:"joined_at"` // unix micro
	Seq      int64  `json:"seq"`
}

// JoinRequest exists only while pending. At most one per (room, user).
type JoinRequest struct {
	ID        string `json:"request_id"`
	RoomID    string `json:"room_id"`
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name"`
	Timestamp int64  `json:"timestamp"` // unix micro
}

// Message is immutable once stored. ChatID is either a room id or a private
// chat id; Seq is the store-assigned sequence that totally orders messages
// within a chat.
type Message struct {
	ID         string `json:"message_id"`
	ChatID     string `json:"chat_id"`
	Seq        int64  `json:"seq"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Content    string `json:"content"`
	Timestamp  int64  `json:"timestamp"` // unix micro
	Encrypted  bool   `json:"encrypted"`
	System     bool   `json:"system"`
}

// RoomSummary is what the directory lists publicly.
type RoomSummary struct {
	ID   string `json:"room_id"`
	Name string `json:"name"`
}

// SystemSender is the sender id/name on system messages.
const SystemSender = "system"

// PrivateChatID builds the deterministic id shared by both participants of
// a private chat, so either side resolves the same chat without
// coordination.
func PrivateChatID(userA, userB string) string {
	pair := []string{userA, userB}
	sort.Strings(pair)
	return strings.Join(pair, "-")
}
