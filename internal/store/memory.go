package store

import (
	"context"
	"sort"

	"wisp/internal/models"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps all four tables in maps behind one mutex. It backs
// tests and single-process deployments; the hub uses SQLiteStore.
type MemoryStore struct {
	mu   chanMutex
	data *memTables
	bus  *feedBus
}

// chanMutex is a mutex that can be interrupted by context cancellation.
type chanMutex chan struct{}

func (m chanMutex) lock(ctx context.Context) error {
	select {
	case m <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m chanMutex) unlock() { <-m }

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mu: make(chanMutex, 1),
		data: &memTables{
			rooms:        make(map[string]*models.Room),
			participants: make(map[string]map[string]*models.Participant),
			requests:     make(map[string]*models.JoinRequest),
			messages:     make(map[string][]*models.Message),
		},
		bus: newFeedBus(),
	}
}

func (s *MemoryStore) Subscribe(table Table, chatID string) *Subscription {
	return s.bus.subscribe(table, chatID)
}

func (s *MemoryStore) Close() error {
	s.bus.closeAll()
	return nil
}

// WithinTx runs fn atomically. The table set is snapshotted up front and
// restored on error; buffered events publish only on commit.
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx Tables) error) error {
	if err := s.mu.lock(ctx); err != nil {
		return err
	}
	snapshot := s.data.clone()
	err := fn(s.data)
	if err != nil {
		s.data = snapshot
		s.data.events = nil
		s.mu.unlock()
		return err
	}
	events := s.data.events
	s.data.events = nil
	s.mu.unlock()
	s.bus.publish(events)
	return nil
}

// one runs a single table operation as its own transaction.
func (s *MemoryStore) one(ctx context.Context, fn func(tx Tables) error) error {
	return s.WithinTx(ctx, fn)
}

func (s *MemoryStore) CreateRoom(ctx context.Context, room *models.Room) error {
	return s.one(ctx, func(tx Tables) error { return tx.CreateRoom(ctx, room) })
}

func (s *MemoryStore) GetRoom(ctx context.Context, roomID string) (room *models.Room, err error) {
	err = s.one(ctx, func(tx Tables) error { room, err = tx.GetRoom(ctx, roomID); return err })
	return room, err
}

func (s *MemoryStore) ListRooms(ctx context.Context) (rooms []*models.Room, err error) {
	err = s.one(ctx, func(tx Tables) error { rooms, err = tx.ListRooms(ctx); return err })
	return rooms, err
}

func (s *MemoryStore) SetRoomAdmin(ctx context.Context, roomID, adminID string) error {
	return s.one(ctx, func(tx Tables) error { return tx.SetRoomAdmin(ctx, roomID, adminID) })
}

func (s *MemoryStore) DeleteRoom(ctx context.Context, roomID string) error {
	return s.one(ctx, func(tx Tables) error { return tx.DeleteRoom(ctx, roomID) })
}

func (s *MemoryStore) AddParticipant(ctx context.Context, p *models.Participant) error {
	return s.one(ctx, func(tx Tables) error { return tx.AddParticipant(ctx, p) })
}

func (s *MemoryStore) GetParticipant(ctx context.Context, roomID, userID string) (p *models.Participant, err error) {
	err = s.one(ctx, func(tx Tables) error { p, err = tx.GetParticipant(ctx, roomID, userID); return err })
	return p, err
}

func (s *MemoryStore) ListParticipants(ctx context.Context, roomID string) (ps []*models.Participant, err error) {
	err = s.one(ctx, func(tx Tables) error { ps, err = tx.ListParticipants(ctx, roomID); return err })
	return ps, err
}

func (s *MemoryStore) CountParticipants(ctx context.Context, roomID string) (n int, err error) {
	err = s.one(ctx, func(tx Tables) error { n, err = tx.CountParticipants(ctx, roomID); return err })
	return n, err
}

func (s *MemoryStore) SetParticipantAdmin(ctx context.Context, roomID, userID string, isAdmin bool) error {
	return s.one(ctx, func(tx Tables) error { return tx.SetParticipantAdmin(ctx, roomID, userID, isAdmin) })
}

func (s *MemoryStore) DeleteParticipant(ctx context.Context, roomID, userID string) error {
	return s.one(ctx, func(tx Tables) error { return tx.DeleteParticipant(ctx, roomID, userID) })
}

func (s *MemoryStore) DeleteRoomParticipants(ctx context.Context, roomID string) error {
	return s.one(ctx, func(tx Tables) error { return tx.DeleteRoomParticipants(ctx, roomID) })
}

func (s *MemoryStore) CreateJoinRequest(ctx context.Context, req *models.JoinRequest) error {
	return s.one(ctx, func(tx Tables) error { return tx.CreateJoinRequest(ctx, req) })
}

func (s *MemoryStore) GetJoinRequest(ctx context.Context, requestID string) (req *models.JoinRequest, err error) {
	err = s.one(ctx, func(tx Tables) error { req, err = tx.GetJoinRequest(ctx, requestID); return err })
	return req, err
}

func (s *MemoryStore) FindJoinRequest(ctx context.Context, roomID, userID string) (req *models.JoinRequest, err error) {
	err = s.one(ctx, func(tx Tables) error { req, err = tx.FindJoinRequest(ctx, roomID, userID); return err })
	return req, err
}

func (s *MemoryStore) ListJoinRequests(ctx context.Context, roomID string) (reqs []*models.JoinRequest, err error) {
	err = s.one(ctx, func(tx Tables) error { reqs, err = tx.ListJoinRequests(ctx, roomID); return err })
	return reqs, err
}

func (s *MemoryStore) DeleteJoinRequest(ctx context.Context, requestID string) (claimed bool, err error) {
	err = s.one(ctx, func(tx Tables) error { claimed, err = tx.DeleteJoinRequest(ctx, requestID); return err })
	return claimed, err
}

func (s *MemoryStore) DeleteRoomJoinRequests(ctx context.Context, roomID string) error {
	return s.one(ctx, func(tx Tables) error { return tx.DeleteRoomJoinRequests(ctx, roomID) })
}

func (s *MemoryStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	return s.one(ctx, func(tx Tables) error { return tx.AppendMessage(ctx, msg) })
}

func (s *MemoryStore) ListMessages(ctx context.Context, chatID string, limit int) (msgs []*models.Message, err error) {
	err = s.one(ctx, func(tx Tables) error { msgs, err = tx.ListMessages(ctx, chatID, limit); return err })
	return msgs, err
}

func (s *MemoryStore) DeleteChatMessages(ctx context.Context, chatID string) error {
	return s.one(ctx, func(tx Tables) error { return tx.DeleteChatMessages(ctx, chatID) })
}

// memTables holds the raw table data. Callers hand in and get back copies;
// nothing outside the store aliases the stored rows.
type memTables struct {
	rooms        map[string]*models.Room
	participants map[string]map[string]*models.Participant
	requests     map[string]*models.JoinRequest
	messages     map[string][]*models.Message

	partSeq int64
	msgSeq  int64
	events  []Event
}

func (t *memTables) clone() *memTables {
	c := &memTables{
		rooms:        make(map[string]*models.Room, len(t.rooms)),
		participants: make(map[string]map[string]*models.Participant, len(t.participants)),
		requests:     make(map[string]*models.JoinRequest, len(t.requests)),
		messages:     make(map[string][]*models.Message, len(t.messages)),
		partSeq:      t.partSeq,
		msgSeq:       t.msgSeq,
	}
	for id, r := range t.rooms {
		cp := *r
		c.rooms[id] = &cp
	}
	for roomID, members := range t.participants {
		m := make(map[string]*models.Participant, len(members))
		for uid, p := range members {
			cp := *p
			m[uid] = &cp
		}
		c.participants[roomID] = m
	}
	for id, req := range t.requests {
		cp := *req
		c.requests[id] = &cp
	}
	for chatID, msgs := range t.messages {
		list := make([]*models.Message, len(msgs))
		for i, msg := range msgs {
			cp := *msg
			list[i] = &cp
		}
		c.messages[chatID] = list
	}
	return c
}

func (t *memTables) emit(ev Event) {
	t.events = append(t.events, ev)
}

func (t *memTables) CreateRoom(ctx context.Context, room *models.Room) error {
	if _, exists := t.rooms[room.ID]; exists {
		return ErrDuplicate.WithDetails("room " + room.ID)
	}
	cp := *room
	t.rooms[room.ID] = &cp
	evRoom := cp
	t.emit(Event{Op: OpInsert, Table: TableRooms, ChatID: cp.ID, Room: &evRoom})
	return nil
}

func (t *memTables) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	room, ok := t.rooms[roomID]
	if !ok {
		return nil, ErrNoRows
	}
	cp := *room
	return &cp, nil
}

func (t *memTables) ListRooms(ctx context.Context) ([]*models.Room, error) {
	out := make([]*models.Room, 0, len(t.rooms))
	for _, room := range t.rooms {
		cp := *room
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (t *memTables) SetRoomAdmin(ctx context.Context, roomID, adminID string) error {
	room, ok := t.rooms[roomID]
	if !ok {
		return ErrNoRows
	}
	room.AdminID = adminID
	cp := *room
	t.emit(Event{Op: OpUpdate, Table: TableRooms, ChatID: roomID, Room: &cp})
	return nil
}

func (t *memTables) DeleteRoom(ctx context.Context, roomID string) error {
	room, ok := t.rooms[roomID]
	if !ok {
		return nil
	}
	cp := *room
	delete(t.rooms, roomID)
	t.emit(Event{Op: OpDelete, Table: TableRooms, ChatID: roomID, Room: &cp})
	return nil
}

func (t *memTables) AddParticipant(ctx context.Context, p *models.Participant) error {
	members := t.participants[p.RoomID]
	if members == nil {
		members = make(map[string]*models.Participant)
		t.participants[p.RoomID] = members
	}
	if _, exists := members[p.UserID]; exists {
		return ErrDuplicate.WithDetails("participant " + p.UserID)
	}
	t.partSeq++
	cp := *p
	cp.Seq = t.partSeq
	members[p.UserID] = &cp
	p.Seq = cp.Seq
	evPart := cp
	t.emit(Event{Op: OpInsert, Table: TableParticipants, ChatID: cp.RoomID, Participant: &evPart})
	return nil
}

func (t *memTables) GetParticipant(ctx context.Context, roomID, userID string) (*models.Participant, error) {
	p, ok := t.participants[roomID][userID]
	if !ok {
		return nil, ErrNoRows
	}
	cp := *p
	return &cp, nil
}

func (t *memTables) ListParticipants(ctx context.Context, roomID string) ([]*models.Participant, error) {
	members := t.participants[roomID]
	out := make([]*models.Participant, 0, len(members))
	for _, p := range members {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt != out[j].JoinedAt {
			return out[i].JoinedAt < out[j].JoinedAt
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

func (t *memTables) CountParticipants(ctx context.Context, roomID string) (int, error) {
	return len(t.participants[roomID]), nil
}

func (t *memTables) SetParticipantAdmin(ctx context.Context, roomID, userID string, isAdmin bool) error {
	p, ok := t.participants[roomID][userID]
	if !ok {
		return ErrNoRows
	}
	p.IsAdmin = isAdmin
	cp := *p
	t.emit(Event{Op: OpUpdate, Table: TableParticipants, ChatID: roomID, Participant: &cp})
	return nil
}

func (t *memTables) DeleteParticipant(ctx context.Context, roomID, userID string) error {
	p, ok := t.participants[roomID][userID]
	if !ok {
		return nil
	}
	cp := *p
	delete(t.participants[roomID], userID)
	if len(t.participants[roomID]) == 0 {
		delete(t.participants, roomID)
	}
	t.emit(Event{Op: OpDelete, Table: TableParticipants, ChatID: roomID, Participant: &cp})
	return nil
}

func (t *memTables) DeleteRoomParticipants(ctx context.Context, roomID string) error {
	delete(t.participants, roomID)
	return nil
}

func (t *memTables) CreateJoinRequest(ctx context.Context, req *models.JoinRequest) error {
	if _, exists := t.requests[req.ID]; exists {
		return ErrDuplicate.WithDetails("request " + req.ID)
	}
	for _, existing := range t.requests {
		if existing.RoomID == req.RoomID && existing.UserID == req.UserID {
			return ErrDuplicate.WithDetails("pending request for user " + req.UserID)
		}
	}
	cp := *req
	t.requests[req.ID] = &cp
	evReq := cp
	t.emit(Event{Op: OpInsert, Table: TableJoinRequests, ChatID: cp.RoomID, JoinRequest: &evReq})
	return nil
}

func (t *memTables) GetJoinRequest(ctx context.Context, requestID string) (*models.JoinRequest, error) {
	req, ok := t.requests[requestID]
	if !ok {
		return nil, ErrNoRows
	}
	cp := *req
	return &cp, nil
}

func (t *memTables) FindJoinRequest(ctx context.Context, roomID, userID string) (*models.JoinRequest, error) {
	for _, req := range t.requests {
		if req.RoomID == roomID && req.UserID == userID {
			cp := *req
			return &cp, nil
		}
	}
	return nil, ErrNoRows
}

func (t *memTables) ListJoinRequests(ctx context.Context, roomID string) ([]*models.JoinRequest, error) {
	out := make([]*models.JoinRequest, 0)
	for _, req := range t.requests {
		if req.RoomID == roomID {
			cp := *req
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

func (t *memTables) DeleteJoinRequest(ctx context.Context, requestID string) (bool, error) {
	req, ok := t.requests[requestID]
	if !ok {
		return false, nil
	}
	cp := *req
	delete(t.requests, requestID)
	t.emit(Event{Op: OpDelete, Table: TableJoinRequests, ChatID: cp.RoomID, JoinRequest: &cp})
	return true, nil
}

func (t *memTables) DeleteRoomJoinRequests(ctx context.Context, roomID string) error {
	for id, req := range t.requests {
		if req.RoomID == roomID {
			delete(t.requests, id)
		}
	}
	return nil
}

func (t *memTables) AppendMessage(ctx context.Context, msg *models.Message) error {
	t.msgSeq++
	cp := *msg
	cp.Seq = t.msgSeq
	t.messages[cp.ChatID] = append(t.messages[cp.ChatID], &cp)
	msg.Seq = cp.Seq
	evMsg := cp
	t.emit(Event{Op: OpInsert, Table: TableMessages, ChatID: cp.ChatID, Message: &evMsg})
	return nil
}

func (t *memTables) ListMessages(ctx context.Context, chatID string, limit int) ([]*models.Message, error) {
	msgs := t.messages[chatID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*models.Message, len(msgs))
	for i, msg := range msgs {
		cp := *msg
		out[i] = &cp
	}
	return out, nil
}

func (t *memTables) DeleteChatMessages(ctx context.Context, chatID string) error {
	delete(t.messages, chatID)
	return nil
}
