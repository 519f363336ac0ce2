package session

import (
	"context"
	"sync"

	"wisp/internal/authority"
	"wisp/internal/crypto"
	"wisp/internal/models"
	"wisp/internal/store"
)

// PrivateChat is the live view of a direct conversation. Private chats
// have no room row, no membership, and no admin; both ends derive the
// same key from the canonical chat id.
type PrivateChat struct {
	id   string
	self models.User
	key  []byte

	mu       sync.Mutex
	messages []*models.Message
	seen     map[string]struct{}

	sub  *store.Subscription
	done chan struct{}
}

// OpenPrivate seeds the conversation with the stored tail and starts
// consuming the feed.
func OpenPrivate(ctx context.Context, st store.Store, self models.User, peerID string) (*PrivateChat, error) {
	if self.ID == "" || peerID == "" {
		return nil, models.ErrInvalidInput.WithDetails("both user ids are required")
	}
	chatID := models.PrivateChatID(self.ID, peerID)
	key, err := authority.PrivateChatKey(self.ID, peerID)
	if err != nil {
		return nil, err
	}
	pc := &PrivateChat{
		id:   chatID,
		self: self,
		key:  key,
		seen: make(map[string]struct{}),
		sub:  st.Subscribe(store.TableMessages, chatID),
		done: make(chan struct{}),
	}
	msgs, err := st.ListMessages(ctx, chatID, 0)
	if err != nil {
		pc.sub.Cancel()
		return nil, models.ErrPersistence.WithDetails(err.Error())
	}
	for _, msg := range msgs {
		cp := *msg
		pc.messages = append(pc.messages, &cp)
		pc.seen[msg.ID] = struct{}{}
	}
	go pc.run()
	return pc, nil
}

func (pc *PrivateChat) run() {
	defer close(pc.done)
	for ev := range pc.sub.C {
		if ev.Op != store.OpInsert || ev.Message == nil {
			continue
		}
		pc.mu.Lock()
		if _, dup := pc.seen[ev.Message.ID]; !dup {
			cp := *ev.Message
			pc.messages = append(pc.messages, &cp)
			pc.seen[ev.Message.ID] = struct{}{}
		}
		pc.mu.Unlock()
	}
}

// ID returns the canonical chat id shared by both ends.
func (pc *PrivateChat) ID() string { return pc.id }

// NoteLocalSend applies the caller's own message optimistically so the
// feed echo does not double-append.
func (pc *PrivateChat) NoteLocalSend(msg *models.Message) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if _, dup := pc.seen[msg.ID]; dup {
		return
	}
	cp := *msg
	pc.messages = append(pc.messages, &cp)
	pc.seen[msg.ID] = struct{}{}
}

// Messages returns the rendered conversation in sequence order.
func (pc *PrivateChat) Messages() []*models.Message {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	out := make([]*models.Message, len(pc.messages))
	for i, msg := range pc.messages {
		cp := *msg
		if !cp.System {
			cp.Content = crypto.Render(cp.Content, pc.key)
		}
		out[i] = &cp
	}
	sortMessages(out)
	return out
}

// Done is closed when the feed loop exits.
func (pc *PrivateChat) Done() <-chan struct{} { return pc.done }

// Close cancels the subscription. Idempotent.
func (pc *PrivateChat) Close() {
	pc.sub.Cancel()
	<-pc.done
}
