package main

import (
	"bufio"
	"fmt"
	"strings"

	"wisp/internal/models"
)

const helpText = `commands:
  rooms                       list joinable rooms
  create <name>               create a room (prints its password once)
  join <room-id> [password]   join or request to join
  approve <request-id>        admit a pending request (admin)
  reject <request-id>         turn a pending request away (admin)
  say <text>                  send to the current room
  dm <user-id> <name> <text>  direct message
  leave                       leave the current room
  quit`

func (a *App) repl(in *bufio.Scanner) {
	for {
		fmt.Print("> ")
		if !in.Scan() {
			break
		}
		line := strings.TrimSpace(in.Text())
		if line == "" {
			continue
		}
		cmd, rest, _ := strings.Cut(line, " ")
		rest = strings.TrimSpace(rest)

		var err error
		switch cmd {
		case "help":
			fmt.Println(helpText)
		case "rooms":
			err = a.cmdRooms()
		case "create":
			err = a.cmdCreate(rest)
		case "join":
			err = a.cmdJoin(rest)
		case "approve":
			err = a.cmdResolve(rest, true)
		case "reject":
			err = a.cmdResolve(rest, false)
		case "say":
			err = a.say(rest)
		case "dm":
			err = a.cmdDM(rest)
		case "leave":
			err = a.cmdLeave()
		case "quit", "exit":
			a.leaveRoomLocally()
			return
		default:
			err = fmt.Errorf("unknown command %q (try help)", cmd)
		}
		if err != nil {
			fmt.Println("error:", err)
		}
	}
	a.leaveRoomLocally()
}

func (a *App) cmdRooms() error {
	resp, err := a.client.ListRooms()
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("%s", resp.Error)
	}
	if len(resp.Rooms) == 0 {
		fmt.Println("no rooms yet")
		return nil
	}
	for _, room := range resp.Rooms {
		fmt.Printf("  %s  %s\n", room.ID, room.Name)
	}
	return nil
}

func (a *App) cmdCreate(name string) error {
	if name == "" {
		return fmt.Errorf("usage: create <name>")
	}
	resp, err := a.client.CreateRoom(models.CreateRoomRequest{Name: name, Sender: a.profile.User()})
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("%s", resp.Error)
	}
	fmt.Printf("room %q created, id %s\n", resp.Room.Name, resp.Room.ID)
	fmt.Printf("password (share it to invite): %s\n", resp.Room.Password)
	return a.join(resp.Room.ID, resp.Room.Password)
}

func (a *App) cmdJoin(rest string) error {
	fields := strings.Fields(rest)
	switch len(fields) {
	case 1:
		// fall back to the cached password from an earlier visit
		secret, ok := a.profile.RoomSecret(fields[0])
		if !ok {
			return fmt.Errorf("no cached password for %s; usage: join <room-id> <password>", fields[0])
		}
		return a.join(fields[0], secret)
	case 2:
		return a.join(fields[0], fields[1])
	default:
		return fmt.Errorf("usage: join <room-id> [password]")
	}
}

func (a *App) join(roomID, password string) error {
	resp, err := a.client.Join(models.JoinRoomRequest{
		RoomID: roomID, Password: password, Sender: a.profile.User(),
	})
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("%s", resp.Error)
	}
	switch resp.Outcome {
	case "pending":
		fmt.Println("request sent; waiting for the admin")
		return nil
	case "joined":
		room := *resp.Room
		fmt.Printf("joined %q with %d member(s)\n", room.Name, len(resp.Participants))
		for _, req := range resp.Requests {
			fmt.Printf("* pending request from %s (id %s)\n", req.UserName, req.ID)
		}
		return a.enterRoom(room, resp.Messages)
	default:
		return fmt.Errorf("join refused: %s", resp.Outcome)
	}
}

func (a *App) cmdResolve(requestID string, approve bool) error {
	if requestID == "" {
		return fmt.Errorf("usage: approve|reject <request-id>")
	}
	req := models.ResolveRequestRequest{RequestID: requestID, Sender: a.profile.User()}
	var resp *models.ResolveRequestResponse
	var err error
	if approve {
		resp, err = a.client.Approve(req)
	} else {
		resp, err = a.client.Reject(req)
	}
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("%s", resp.Error)
	}
	fmt.Println("done")
	return nil
}

func (a *App) cmdDM(rest string) error {
	fields := strings.SplitN(rest, " ", 3)
	if len(fields) != 3 {
		return fmt.Errorf("usage: dm <user-id> <name> <text>")
	}
	return a.dm(fields[0], fields[1], fields[2])
}

func (a *App) cmdLeave() error {
	st := a.current()
	if st == nil {
		return fmt.Errorf("not in a room")
	}
	resp, err := a.client.Leave(models.LeaveRoomRequest{RoomID: st.room.ID, Sender: a.profile.User()})
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("%s", resp.Error)
	}
	a.leaveRoomLocally()
	fmt.Println("left the room")
	return nil
}
