package main

import (
	"fmt"
	"io"
	"sync"

	"wisp/internal/authority"
	"wisp/internal/crypto"
	"wisp/internal/hub"
	"wisp/internal/models"
	"wisp/internal/profile"
	"wisp/internal/store"
	"wisp/internal/utils"
)

// roomState is the client side of one joined room: the derived key for
// encrypting outbound and rendering inbound, plus the watch stream that
// keeps the terminal live.
type roomState struct {
	room  models.Room
	key   []byte
	watch *hub.WatchStream
	done  chan struct{}
}

type App struct {
	client  *hub.Client
	profile *profile.Profile

	mu  sync.Mutex
	cur *roomState
	out io.Writer
}

func (a *App) printf(format string, args ...any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fmt.Fprintf(a.out, format+"\n", args...)
}

func (a *App) enterRoom(room models.Room, history []*models.Message) error {
	key, err := crypto.DeriveRoomKey(room.ID, room.Password)
	if err != nil {
		return err
	}
	watch, err := a.client.Watch(room.ID)
	if err != nil {
		return err
	}

	a.leaveRoomLocally()
	st := &roomState{room: room, key: key, watch: watch, done: make(chan struct{})}
	a.mu.Lock()
	a.cur = st
	a.mu.Unlock()

	for _, msg := range history {
		a.renderMessage(st, msg)
	}
	go a.followWatch(st)
	return a.profile.RememberRoom(room.ID, room.Password)
}

func (a *App) leaveRoomLocally() {
	a.mu.Lock()
	st := a.cur
	a.cur = nil
	a.mu.Unlock()
	if st == nil {
		return
	}
	st.watch.Close()
	<-st.done
}

func (a *App) followWatch(st *roomState) {
	defer close(st.done)
	for ev := range st.watch.Events {
		switch {
		case ev.Table == store.TableMessages && ev.Op == store.OpInsert && ev.Message != nil:
			a.renderMessage(st, ev.Message)
		case ev.Table == store.TableParticipants && ev.Op == store.OpInsert && ev.Participant != nil:
			a.printf("* %s is here", ev.Participant.Name)
		case ev.Table == store.TableJoinRequests && ev.Op == store.OpInsert && ev.JoinRequest != nil:
			a.printf("* join request from %s (id %s)", ev.JoinRequest.UserName, ev.JoinRequest.ID)
		case ev.Table == store.TableRooms && ev.Op == store.OpDelete:
			a.printf("* room %q is gone", st.room.Name)
			a.profile.ForgetRoom(st.room.ID)
			a.mu.Lock()
			if a.cur == st {
				a.cur = nil
			}
			a.mu.Unlock()
			st.watch.Close()
			return
		}
	}
}

func (a *App) renderMessage(st *roomState, msg *models.Message) {
	// skip the echo of our own send; it was printed when we typed it
	if msg.SenderID == a.profile.UserID && !msg.System {
		return
	}
	content := msg.Content
	if !msg.System {
		content = crypto.Render(content, st.key)
	}
	when := utils.FormatPrettyTime(msg.Timestamp)
	if msg.System {
		a.printf("[%s] * %s", when, content)
		return
	}
	a.printf("[%s] <%s> %s", when, msg.SenderName, content)
}

func (a *App) current() *roomState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cur
}

// say encrypts locally and sends; the hub only ever sees the envelope.
func (a *App) say(text string) error {
	st := a.current()
	if st == nil {
		return fmt.Errorf("not in a room")
	}
	sealed, err := crypto.Encrypt(text, st.key)
	if err != nil {
		return err
	}
	resp, err := a.client.SendMessage(models.SendMessageRequest{
		RoomID:  st.room.ID,
		Content: sealed,
		Sender:  a.profile.User(),
	})
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("%s", resp.Error)
	}
	a.printf("[%s] <%s> %s", utils.FormatPrettyTime(resp.Message.Timestamp), a.profile.Username, text)
	return nil
}

func (a *App) dm(peerID, peerName, text string) error {
	key, err := authority.PrivateChatKey(a.profile.UserID, peerID)
	if err != nil {
		return err
	}
	sealed, err := crypto.Encrypt(text, key)
	if err != nil {
		return err
	}
	resp, err := a.client.SendPrivate(models.SendPrivateRequest{
		Peer:    models.User{ID: peerID, Name: peerName},
		Content: sealed,
		Sender:  a.profile.User(),
	})
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("%s", resp.Error)
	}
	a.printf("[dm -> %s] %s", peerName, text)
	return nil
}
