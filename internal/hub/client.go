package hub

import (
	"encoding/json"
	"net"
	"sync"

	"wisp/internal/models"
	"wisp/internal/store"
)

// Client speaks the hub envelope protocol over one TCP connection. Calls
// are serialized; Watch opens its own connection because the stream takes
// the connection over.
type Client struct {
	addr string

	mu   sync.Mutex
	conn net.Conn
	dec  *json.Decoder
	enc  *json.Encoder
}

func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Client{
		addr: addr,
		conn: conn,
		dec:  json.NewDecoder(conn),
		enc:  json.NewEncoder(conn),
	}, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

func (c *Client) call(method string, params, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	if err := c.enc.Encode(envelope{Method: method, Params: raw}); err != nil {
		return err
	}
	return c.dec.Decode(out)
}

func (c *Client) ListRooms() (*models.ListRoomsResponse, error) {
	var resp models.ListRoomsResponse
	if err := c.call("ListRooms", models.ListRoomsRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) CreateRoom(req models.CreateRoomRequest) (*models.CreateRoomResponse, error) {
	var resp models.CreateRoomResponse
	if err := c.call("CreateRoom", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Join(req models.JoinRoomRequest) (*models.JoinRoomResponse, error) {
	var resp models.JoinRoomResponse
	if err := c.call("Join", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Approve(req models.ResolveRequestRequest) (*models.ResolveRequestResponse, error) {
	var resp models.ResolveRequestResponse
	if err := c.call("Approve", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Reject(req models.ResolveRequestRequest) (*models.ResolveRequestResponse, error) {
	var resp models.ResolveRequestResponse
	if err := c.call("Reject", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Leave(req models.LeaveRoomRequest) (*models.LeaveRoomResponse, error) {
	var resp models.LeaveRoomResponse
	if err := c.call("Leave", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) SendMessage(req models.SendMessageRequest) (*models.SendMessageResponse, error) {
	var resp models.SendMessageResponse
	if err := c.call("SendMessage", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) SendPrivate(req models.SendPrivateRequest) (*models.SendPrivateResponse, error) {
	var resp models.SendPrivateResponse
	if err := c.call("SendPrivate", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WatchStream is a live event feed for one chat. Close the stream to stop
// it; Events is closed when the server ends the stream.
type WatchStream struct {
	conn   net.Conn
	Events <-chan store.Event
}

func (w *WatchStream) Close() error { return w.conn.Close() }

// Watch dials a dedicated connection and turns it into an event stream.
func (c *Client) Watch(chatID string) (*WatchStream, error) {
	conn, err := net.Dial("tcp", c.addr)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(models.WatchRequest{ChatID: chatID})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := json.NewEncoder(conn).Encode(envelope{Method: "Watch", Params: raw}); err != nil {
		conn.Close()
		return nil, err
	}
	events := make(chan store.Event, 64)
	go func() {
		defer close(events)
		dec := json.NewDecoder(conn)
		for {
			var ev store.Event
			if err := dec.Decode(&ev); err != nil {
				return
			}
			events <- ev
		}
	}()
	return &WatchStream{conn: conn, Events: events}, nil
}
