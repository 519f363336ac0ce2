package models

// Wire types for the hub RPC. Every connection carries JSON envelopes
// {method, params}; responses report failures in-band through Error so the
// client can show a retry prompt instead of losing the connection.

type ListRoomsRequest struct{}
type ListRoomsResponse struct {
	Rooms []RoomSummary `json:"rooms"`
	Error string        `json:"error,omitempty"`
}

type CreateRoomRequest struct {
	Name   string `json:"name"`
	Sender User   `json:"sender"`
}
type CreateRoomResponse struct {
	Room  *Room  `json:"room,omitempty"`
	Error string `json:"error,omitempty"`
}

type JoinRoomRequest struct {
	RoomID   string `json:"room_id"`
	Password string `json:"password"`
	Sender   User   `json:"sender"`
}
type JoinRoomResponse struct {
	Outcome      string         `json:"outcome"` // "joined" | "pending" | "rejected"
	Room         *Room          `json:"room,omitempty"`
	Participants []*Participant `json:"participants,omitempty"`
	Messages     []*Message     `json:"messages,omitempty"`
	Requests     []*JoinRequest `json:"requests,omitempty"` // admin re-entry only
	Error        string         `json:"error,omitempty"`
}

type ResolveRequestRequest struct {
	RequestID string `json:"request_id"`
	Sender    User   `json:"sender"`
}
type ResolveRequestResponse struct {
	Error string `json:"error,omitempty"`
}

type LeaveRoomRequest struct {
	RoomID string `json:"room_id"`
	Sender User   `json:"sender"`
}
type LeaveRoomResponse struct {
	Error string `json:"error,omitempty"`
}

type SendMessageRequest struct {
	RoomID  string `json:"room_id"`
	Content string `json:"content"` // already an envelope when encrypted client-side
	Sender  User   `json:"sender"`
}
type SendMessageResponse struct {
	Message *Message `json:"message,omitempty"`
	Error   string   `json:"error,omitempty"`
}

type SendPrivateRequest struct {
	Peer    User   `json:"peer"`
	Content string `json:"content"`
	Sender  User   `json:"sender"`
}
type SendPrivateResponse struct {
	Message *Message `json:"message,omitempty"`
	Error   string   `json:"error,omitempty"`
}

type WatchRequest struct {
	ChatID string `json:"chat_id"`
}
