// Package hub exposes the room service over TCP. Every connection carries
// JSON envelopes {method, params}; each envelope gets one JSON response,
// except Watch, which turns the connection into a one-way event stream.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"wisp/internal/authority"
	"wisp/internal/directory"
	"wisp/internal/models"
	"wisp/internal/store"
)

type Server struct {
	auth *authority.Authority
	dir  *directory.Directory
	st   store.Store

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

func NewServer(auth *authority.Authority, dir *directory.Directory, st store.Store) *Server {
	return &Server{auth: auth, dir: dir, st: st}
}

// Listen binds the address. Use ":0" to pick a free port; Addr reports the
// bound address.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	logrus.WithField("addr", ln.Addr().String()).Info("hub listening")
	return nil
}

func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Serve accepts connections until ctx is cancelled or the listener closes.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return models.ErrInvalidInput.WithDetails("serve called before listen")
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) Close() {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	s.wg.Wait()
}

type envelope struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	log := logrus.WithField("remote", remote)
	log.Debug("client connected")
	defer func() {
		log.Debug("client disconnected")
		conn.Close()
	}()

	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)

	for {
		var env envelope
		if err := dec.Decode(&env); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.WithError(err).Debug("envelope decode failed")
			}
			return
		}
		log.WithField("method", env.Method).Debug("rpc")

		if env.Method == "Watch" {
			// the connection becomes an event stream; no further envelopes
			s.serveWatch(ctx, enc, env.Params, log)
			return
		}
		if err := s.dispatch(ctx, enc, env); err != nil {
			log.WithError(err).WithField("method", env.Method).Warn("rpc response failed")
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, enc *json.Encoder, env envelope) error {
	switch env.Method {

	case "ListRooms":
		rooms, err := s.dir.List(ctx)
		if err != nil {
			return enc.Encode(models.ListRoomsResponse{Error: err.Error()})
		}
		return enc.Encode(models.ListRoomsResponse{Rooms: rooms})

	case "CreateRoom":
		var req models.CreateRoomRequest
		if err := json.Unmarshal(env.Params, &req); err != nil {
			return enc.Encode(models.CreateRoomResponse{Error: "bad params"})
		}
		room, err := s.auth.CreateRoom(ctx, req.Sender, req.Name)
		if err != nil {
			return enc.Encode(models.CreateRoomResponse{Error: err.Error()})
		}
		return enc.Encode(models.CreateRoomResponse{Room: room})

	case "Join":
		var req models.JoinRoomRequest
		if err := json.Unmarshal(env.Params, &req); err != nil {
			return enc.Encode(models.JoinRoomResponse{Error: "bad params"})
		}
		res, err := s.auth.JoinOrRequest(ctx, req.Sender, req.RoomID, req.Password)
		if err != nil {
			return enc.Encode(models.JoinRoomResponse{Error: err.Error()})
		}
		return enc.Encode(models.JoinRoomResponse{
			Outcome:      res.Outcome.String(),
			Room:         res.Room,
			Participants: res.Participants,
			Messages:     res.Messages,
			Requests:     res.Requests,
		})

	case "Approve":
		var req models.ResolveRequestRequest
		if err := json.Unmarshal(env.Params, &req); err != nil {
			return enc.Encode(models.ResolveRequestResponse{Error: "bad params"})
		}
		if err := s.auth.Approve(ctx, req.Sender, req.RequestID); err != nil {
			return enc.Encode(models.ResolveRequestResponse{Error: err.Error()})
		}
		return enc.Encode(models.ResolveRequestResponse{})

	case "Reject":
		var req models.ResolveRequestRequest
		if err := json.Unmarshal(env.Params, &req); err != nil {
			return enc.Encode(models.ResolveRequestResponse{Error: "bad params"})
		}
		if err := s.auth.Reject(ctx, req.Sender, req.RequestID); err != nil {
			return enc.Encode(models.ResolveRequestResponse{Error: err.Error()})
		}
		return enc.Encode(models.ResolveRequestResponse{})

	case "Leave":
		var req models.LeaveRoomRequest
		if err := json.Unmarshal(env.Params, &req); err != nil {
			return enc.Encode(models.LeaveRoomResponse{Error: "bad params"})
		}
		if err := s.auth.Leave(ctx, req.Sender, req.RoomID); err != nil {
			return enc.Encode(models.LeaveRoomResponse{Error: err.Error()})
		}
		return enc.Encode(models.LeaveRoomResponse{})

	case "SendMessage":
		var req models.SendMessageRequest
		if err := json.Unmarshal(env.Params, &req); err != nil {
			return enc.Encode(models.SendMessageResponse{Error: "bad params"})
		}
		msg, err := s.auth.SendMessage(ctx, req.Sender, req.RoomID, req.Content)
		if err != nil {
			return enc.Encode(models.SendMessageResponse{Error: err.Error()})
		}
		return enc.Encode(models.SendMessageResponse{Message: msg})

	case "SendPrivate":
		var req models.SendPrivateRequest
		if err := json.Unmarshal(env.Params, &req); err != nil {
			return enc.Encode(models.SendPrivateResponse{Error: "bad params"})
		}
		msg, err := s.auth.SendPrivateMessage(ctx, req.Sender, req.Peer, req.Content)
		if err != nil {
			return enc.Encode(models.SendPrivateResponse{Error: err.Error()})
		}
		return enc.Encode(models.SendPrivateResponse{Message: msg})

	default:
		return enc.Encode(map[string]string{"error": "unknown method: " + env.Method})
	}
}

// serveWatch streams every committed change for one chat until the client
// disconnects, the subscription is dropped, or the server stops. Room rows
// are redacted before they leave the process.
func (s *Server) serveWatch(ctx context.Context, enc *json.Encoder, params json.RawMessage, log *logrus.Entry) {
	var req models.WatchRequest
	if err := json.Unmarshal(params, &req); err != nil || req.ChatID == "" {
		enc.Encode(map[string]string{"error": "bad params"})
		return
	}
	sub := s.st.Subscribe("", req.ChatID)
	defer sub.Cancel()
	log = log.WithField("chat_id", req.ChatID)
	log.Debug("watch started")

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				log.Debug("watch dropped")
				return
			}
			if err := enc.Encode(redact(ev)); err != nil {
				return
			}
		}
	}
}

// redact strips the room password from outbound events. Clients that hold
// the password learned it by joining; the feed never re-distributes it.
func redact(ev store.Event) store.Event {
	if ev.Room != nil {
		room := *ev.Room
		room.Password = ""
		ev.Room = &room
	}
	return ev
}
