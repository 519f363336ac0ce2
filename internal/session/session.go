// Package session maintains the live, per-client view of one room: a
// snapshot of metadata, participants, messages, and (for the admin)
// pending join requests, kept in sync with the store's change feed.
package session

import (
	"sync"

	"github.com/sirupsen/logrus"

	"wisp/internal/authority"
	"wisp/internal/crypto"
	"wisp/internal/models"
	"wisp/internal/store"
)

// RoomSession consumes the room's feed until Close or room deletion. Open
// it immediately after a Joined outcome; the snapshot seeds the view and
// the feed keeps it current. Event delivery is at-least-once, so every
// apply is keyed by row identity and safe to repeat.
type RoomSession struct {
	self models.User
	key  []byte

	mu           sync.Mutex
	room         models.Room
	participants map[string]*models.Participant
	messages     []*models.Message
	requests     map[string]*models.JoinRequest
	seen         map[string]struct{}
	gone         bool

	sub  *store.Subscription
	done chan struct{}
}

// Open builds the live view from a join snapshot and starts consuming the
// feed.
func Open(st store.Store, self models.User, res *authority.JoinResult) (*RoomSession, error) {
	if res == nil || res.Outcome != authority.OutcomeJoined || res.Room == nil {
		return nil, models.ErrInvalidInput.WithDetails("session requires a joined snapshot")
	}
	key, err := crypto.DeriveRoomKey(res.Room.ID, res.Room.Password)
	if err != nil {
		return nil, err
	}
	s := &RoomSession{
		self:         self,
		key:          key,
		room:         *res.Room,
		participants: make(map[string]*models.Participant, len(res.Participants)),
		requests:     make(map[string]*models.JoinRequest, len(res.Requests)),
		seen:         make(map[string]struct{}, len(res.Messages)),
		sub:          st.Subscribe("", res.Room.ID),
		done:         make(chan struct{}),
	}
	for _, p := range res.Participants {
		cp := *p
		s.participants[p.UserID] = &cp
	}
	for _, msg := range res.Messages {
		cp := *msg
		s.messages = append(s.messages, &cp)
		s.seen[msg.ID] = struct{}{}
	}
	for _, req := range res.Requests {
		cp := *req
		s.requests[req.ID] = &cp
	}
	go s.run()
	return s, nil
}

func (s *RoomSession) run() {
	defer close(s.done)
	for ev := range s.sub.C {
		s.apply(ev)
		s.mu.Lock()
		gone := s.gone
		s.mu.Unlock()
		if gone {
			s.sub.Cancel()
			return
		}
	}
	// channel closed: cancelled, or dropped for falling behind
	s.mu.Lock()
	s.gone = true
	s.mu.Unlock()
}

func (s *RoomSession) apply(ev store.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch ev.Table {
	case store.TableRooms:
		switch ev.Op {
		case store.OpUpdate:
			s.room.AdminID = ev.Room.AdminID
		case store.OpDelete:
			s.gone = true
			logrus.WithField("room_id", s.room.ID).Debug("room deleted, closing session")
		}
	case store.TableParticipants:
		p := ev.Participant
		switch ev.Op {
		case store.OpInsert, store.OpUpdate:
			cp := *p
			s.participants[p.UserID] = &cp
		case store.OpDelete:
			delete(s.participants, p.UserID)
		}
	case store.TableJoinRequests:
		req := ev.JoinRequest
		switch ev.Op {
		case store.OpInsert:
			cp := *req
			s.requests[req.ID] = &cp
		case store.OpDelete:
			delete(s.requests, req.ID)
		}
	case store.TableMessages:
		msg := ev.Message
		if ev.Op != store.OpInsert {
			return
		}
		// the sender already applied its own optimistic copy; drop the echo
		if _, dup := s.seen[msg.ID]; dup {
			return
		}
		cp := *msg
		s.messages = append(s.messages, &cp)
		s.seen[msg.ID] = struct{}{}
	}
}

// NoteLocalSend applies the caller's own message optimistically so the
// feed echo does not double-append.
func (s *RoomSession) NoteLocalSend(msg *models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[msg.ID]; dup {
		return
	}
	cp := *msg
	s.messages = append(s.messages, &cp)
	s.seen[msg.ID] = struct{}{}
}

// Room returns the current metadata snapshot.
func (s *RoomSession) Room() models.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// IsAdmin reports whether the session's user currently holds admin.
func (s *RoomSession) IsAdmin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room.AdminID == s.self.ID
}

// Participants returns the members ordered by join time (seq-tied).
func (s *RoomSession) Participants() []*models.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Participant, 0, len(s.participants))
	for _, p := range s.participants {
		cp := *p
		out = append(out, &cp)
	}
	sortParticipants(out)
	return out
}

// PendingRequests returns the unresolved join requests; only the admin
// sees them.
func (s *RoomSession) PendingRequests() []*models.JoinRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room.AdminID != s.self.ID {
		return nil
	}
	out := make([]*models.JoinRequest, 0, len(s.requests))
	for _, req := range s.requests {
		cp := *req
		out = append(out, &cp)
	}
	sortRequests(out)
	return out
}

// Messages returns the rendered message log: system messages verbatim,
// encrypted payloads decrypted, and anything that fails authentication
// replaced by the placeholder.
func (s *RoomSession) Messages() []*models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Message, len(s.messages))
	for i, msg := range s.messages {
		cp := *msg
		if !cp.System {
			cp.Content = crypto.Render(cp.Content, s.key)
		}
		out[i] = &cp
	}
	return out
}

// Gone reports whether the room was deleted under the session.
func (s *RoomSession) Gone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gone
}

// Done is closed when the feed loop exits.
func (s *RoomSession) Done() <-chan struct{} { return s.done }

// Close cancels the subscription. Idempotent.
func (s *RoomSession) Close() {
	s.sub.Cancel()
	<-s.done
}
