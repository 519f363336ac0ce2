package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sqlite3 "github.com/mattn/go-sqlite3"

	"wisp/internal/models"
)

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore persists the four tables in one SQLite file. Writes are
// WAL-journaled; each exported single-row operation runs as its own
// transaction so its feed event publishes on commit.
type SQLiteStore struct {
	db  *sql.DB
	bus *feedBus
}

// NewSQLiteStore opens (or creates) a sqlite DB file.
// dsn example: "file:wisp.db?_foreign_keys=1".
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL;`,
		`PRAGMA synchronous = NORMAL;`,
		`PRAGMA foreign_keys = ON;`,
		`PRAGMA busy_timeout = 5000;`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	// sqlite allows one writer at a time; a single connection avoids
	// SQLITE_BUSY between our own transactions.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, bus: newFeedBus()}
	if err := s.Migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the tables and indexes. Idempotent.
func (s *SQLiteStore) Migrate() error {
	const sqlStmt = `
CREATE TABLE IF NOT EXISTS rooms (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  password TEXT NOT NULL,
  admin_id TEXT NOT NULL,
  created_at INTEGER NOT NULL -- unix micro
);

CREATE TABLE IF NOT EXISTS participants (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  room_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  name TEXT NOT NULL,
  is_admin INTEGER NOT NULL DEFAULT 0,
  joined_at INTEGER NOT NULL -- unix micro
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_participant ON participants (room_id, user_id);
CREATE INDEX IF NOT EXISTS idx_participant_room ON participants (room_id, joined_at, seq);

CREATE TABLE IF NOT EXISTS join_requests (
  id TEXT PRIMARY KEY,
  room_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  user_name TEXT NOT NULL,
  timestamp INTEGER NOT NULL -- unix micro
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_request_user ON join_requests (room_id, user_id);
CREATE INDEX IF NOT EXISTS idx_request_room ON join_requests (room_id, timestamp);

CREATE TABLE IF NOT EXISTS messages (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  chat_id TEXT NOT NULL,
  sender_id TEXT NOT NULL,
  sender_name TEXT NOT NULL,
  content TEXT NOT NULL,
  timestamp INTEGER NOT NULL, -- unix micro
  encrypted INTEGER NOT NULL DEFAULT 0,
  system INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_message_chat ON messages (chat_id, seq);
`
	_, err := s.db.Exec(sqlStmt)
	return err
}

func (s *SQLiteStore) Subscribe(table Table, chatID string) *Subscription {
	return s.bus.subscribe(table, chatID)
}

func (s *SQLiteStore) Close() error {
	s.bus.closeAll()
	if s.db == nil {
		return ErrDBNotConnected
	}
	return s.db.Close()
}

// WithinTx runs fn inside one SQL transaction; events buffered by the
// wrapped Tables publish after commit.
func (s *SQLiteStore) WithinTx(ctx context.Context, fn func(tx Tables) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	t := &sqlTables{q: sqlTx}
	if err := fn(t); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.bus.publish(t.events)
	return nil
}

func (s *SQLiteStore) one(ctx context.Context, fn func(tx Tables) error) error {
	return s.WithinTx(ctx, fn)
}

func (s *SQLiteStore) CreateRoom(ctx context.Context, room *models.Room) error {
	return s.one(ctx, func(tx Tables) error { return tx.CreateRoom(ctx, room) })
}

func (s *SQLiteStore) GetRoom(ctx context.Context, roomID string) (room *models.Room, err error) {
	err = s.one(ctx, func(tx Tables) error { room, err = tx.GetRoom(ctx, roomID); return err })
	return room, err
}

func (s *SQLiteStore) ListRooms(ctx context.Context) (rooms []*models.Room, err error) {
	err = s.one(ctx, func(tx Tables) error { rooms, err = tx.ListRooms(ctx); return err })
	return rooms, err
}

func (s *SQLiteStore) SetRoomAdmin(ctx context.Context, roomID, adminID string) error {
	return s.one(ctx, func(tx Tables) error { return tx.SetRoomAdmin(ctx, roomID, adminID) })
}

func (s *SQLiteStore) DeleteRoom(ctx context.Context, roomID string) error {
	return s.one(ctx, func(tx Tables) error { return tx.DeleteRoom(ctx, roomID) })
}

func (s *SQLiteStore) AddParticipant(ctx context.Context, p *models.Participant) error {
	return s.one(ctx, func(tx Tables) error { return tx.AddParticipant(ctx, p) })
}

func (s *SQLiteStore) GetParticipant(ctx context.Context, roomID, userID string) (p *models.Participant, err error) {
	err = s.one(ctx, func(tx Tables) error { p, err = tx.GetParticipant(ctx, roomID, userID); return err })
	return p, err
}

func (s *SQLiteStore) ListParticipants(ctx context.Context, roomID string) (ps []*models.Participant, err error) {
	err = s.one(ctx, func(tx Tables) error { ps, err = tx.ListParticipants(ctx, roomID); return err })
	return ps, err
}

func (s *SQLiteStore) CountParticipants(ctx context.Context, roomID string) (n int, err error) {
	err = s.one(ctx, func(tx Tables) error { n, err = tx.CountParticipants(ctx, roomID); return err })
	return n, err
}

func (s *SQLiteStore) SetParticipantAdmin(ctx context.Context, roomID, userID string, isAdmin bool) error {
	return s.one(ctx, func(tx Tables) error { return tx.SetParticipantAdmin(ctx, roomID, userID, isAdmin) })
}

func (s *SQLiteStore) DeleteParticipant(ctx context.Context, roomID, userID string) error {
	return s.one(ctx, func(tx Tables) error { return tx.DeleteParticipant(ctx, roomID, userID) })
}

func (s *SQLiteStore) DeleteRoomParticipants(ctx context.Context, roomID string) error {
	return s.one(ctx, func(tx Tables) error { return tx.DeleteRoomParticipants(ctx, roomID) })
}

func (s *SQLiteStore) CreateJoinRequest(ctx context.Context, req *models.JoinRequest) error {
	return s.one(ctx, func(tx Tables) error { return tx.CreateJoinRequest(ctx, req) })
}

func (s *SQLiteStore) GetJoinRequest(ctx context.Context, requestID string) (req *models.JoinRequest, err error) {
	err = s.one(ctx, func(tx Tables) error { req, err = tx.GetJoinRequest(ctx, requestID); return err })
	return req, err
}

func (s *SQLiteStore) FindJoinRequest(ctx context.Context, roomID, userID string) (req *models.JoinRequest, err error) {
	err = s.one(ctx, func(tx Tables) error { req, err = tx.FindJoinRequest(ctx, roomID, userID); return err })
	return req, err
}

func (s *SQLiteStore) ListJoinRequests(ctx context.Context, roomID string) (reqs []*models.JoinRequest, err error) {
	err = s.one(ctx, func(tx Tables) error { reqs, err = tx.ListJoinRequests(ctx, roomID); return err })
	return reqs, err
}

func (s *SQLiteStore) DeleteJoinRequest(ctx context.Context, requestID string) (claimed bool, err error) {
	err = s.one(ctx, func(tx Tables) error { claimed, err = tx.DeleteJoinRequest(ctx, requestID); return err })
	return claimed, err
}

func (s *SQLiteStore) DeleteRoomJoinRequests(ctx context.Context, roomID string) error {
	return s.one(ctx, func(tx Tables) error { return tx.DeleteRoomJoinRequests(ctx, roomID) })
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	return s.one(ctx, func(tx Tables) error { return tx.AppendMessage(ctx, msg) })
}

func (s *SQLiteStore) ListMessages(ctx context.Context, chatID string, limit int) (msgs []*models.Message, err error) {
	err = s.one(ctx, func(tx Tables) error { msgs, err = tx.ListMessages(ctx, chatID, limit); return err })
	return msgs, err
}

func (s *SQLiteStore) DeleteChatMessages(ctx context.Context, chatID string) error {
	return s.one(ctx, func(tx Tables) error { return tx.DeleteChatMessages(ctx, chatID) })
}

// sqlTables runs the CRUD against one *sql.Tx and buffers feed events until
// the owner commits.
type sqlTables struct {
	q      *sql.Tx
	events []Event
}

func (t *sqlTables) emit(ev Event) {
	t.events = append(t.events, ev)
}

// isUniqueViolation matches both flavors sqlite reports: UNIQUE indexes
// raise SQLITE_CONSTRAINT_UNIQUE, TEXT primary keys raise
// SQLITE_CONSTRAINT_PRIMARYKEY.
func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
		se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func (t *sqlTables) CreateRoom(ctx context.Context, room *models.Room) error {
	const q = `INSERT INTO rooms (id, name, password, admin_id, created_at) VALUES (?, ?, ?, ?, ?);`
	_, err := t.q.ExecContext(ctx, q, room.ID, room.Name, room.Password, room.AdminID, room.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate.WithDetails("room " + room.ID)
		}
		return fmt.Errorf("insert room: %w", err)
	}
	cp := *room
	t.emit(Event{Op: OpInsert, Table: TableRooms, ChatID: room.ID, Room: &cp})
	return nil
}

func (t *sqlTables) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	const q = `SELECT id, name, password, admin_id, created_at FROM rooms WHERE id = ?;`
	var room models.Room
	err := t.q.QueryRowContext(ctx, q, roomID).Scan(&room.ID, &room.Name, &room.Password, &room.AdminID, &room.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("select room: %w", err)
	}
	return &room, nil
}

func (t *sqlTables) ListRooms(ctx context.Context) ([]*models.Room, error) {
	const q = `SELECT id, name, password, admin_id, created_at FROM rooms ORDER BY created_at;`
	rows, err := t.q.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("select rooms: %w", err)
	}
	defer rows.Close()
	var out []*models.Room
	for rows.Next() {
		var room models.Room
		if err := rows.Scan(&room.ID, &room.Name, &room.Password, &room.AdminID, &room.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, &room)
	}
	return out, rows.Err()
}

func (t *sqlTables) SetRoomAdmin(ctx context.Context, roomID, adminID string) error {
	const q = `UPDATE rooms SET admin_id = ? WHERE id = ?;`
	res, err := t.q.ExecContext(ctx, q, adminID, roomID)
	if err != nil {
		return fmt.Errorf("update room admin: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoRows
	}
	room, err := t.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	t.emit(Event{Op: OpUpdate, Table: TableRooms, ChatID: roomID, Room: room})
	return nil
}

func (t *sqlTables) DeleteRoom(ctx context.Context, roomID string) error {
	room, err := t.GetRoom(ctx, roomID)
	if errors.Is(err, ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := t.q.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?;`, roomID); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	t.emit(Event{Op: OpDelete, Table: TableRooms, ChatID: roomID, Room: room})
	return nil
}

func (t *sqlTables) AddParticipant(ctx context.Context, p *models.Participant) error {
	const q = `INSERT INTO participants (room_id, user_id, name, is_admin, joined_at) VALUES (?, ?, ?, ?, ?);`
	res, err := t.q.ExecContext(ctx, q, p.RoomID, p.UserID, p.Name, boolToInt(p.IsAdmin), p.JoinedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate.WithDetails("participant " + p.UserID)
		}
		return fmt.Errorf("insert participant: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("participant seq: %w", err)
	}
	p.Seq = seq
	cp := *p
	t.emit(Event{Op: OpInsert, Table: TableParticipants, ChatID: p.RoomID, Participant: &cp})
	return nil
}

func (t *sqlTables) GetParticipant(ctx context.Context, roomID, userID string) (*models.Participant, error) {
	const q = `SELECT seq, room_id, user_id, name, is_admin, joined_at FROM participants WHERE room_id = ? AND user_id = ?;`
	p, err := scanParticipant(t.q.QueryRowContext(ctx, q, roomID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRows
	}
	return p, err
}

func (t *sqlTables) ListParticipants(ctx context.Context, roomID string) ([]*models.Participant, error) {
	const q = `SELECT seq, room_id, user_id, name, is_admin, joined_at FROM participants WHERE room_id = ? ORDER BY joined_at, seq;`
	rows, err := t.q.QueryContext(ctx, q, roomID)
	if err != nil {
		return nil, fmt.Errorf("select participants: %w", err)
	}
	defer rows.Close()
	var out []*models.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *sqlTables) CountParticipants(ctx context.Context, roomID string) (int, error) {
	var n int
	err := t.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM participants WHERE room_id = ?;`, roomID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count participants: %w", err)
	}
	return n, nil
}

func (t *sqlTables) SetParticipantAdmin(ctx context.Context, roomID, userID string, isAdmin bool) error {
	const q = `UPDATE participants SET is_admin = ? WHERE room_id = ? AND user_id = ?;`
	res, err := t.q.ExecContext(ctx, q, boolToInt(isAdmin), roomID, userID)
	if err != nil {
		return fmt.Errorf("update participant admin: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoRows
	}
	p, err := t.GetParticipant(ctx, roomID, userID)
	if err != nil {
		return err
	}
	t.emit(Event{Op: OpUpdate, Table: TableParticipants, ChatID: roomID, Participant: p})
	return nil
}

func (t *sqlTables) DeleteParticipant(ctx context.Context, roomID, userID string) error {
	p, err := t.GetParticipant(ctx, roomID, userID)
	if errors.Is(err, ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := t.q.ExecContext(ctx, `DELETE FROM participants WHERE room_id = ? AND user_id = ?;`, roomID, userID); err != nil {
		return fmt.Errorf("delete participant: %w", err)
	}
	t.emit(Event{Op: OpDelete, Table: TableParticipants, ChatID: roomID, Participant: p})
	return nil
}

func (t *sqlTables) DeleteRoomParticipants(ctx context.Context, roomID string) error {
	_, err := t.q.ExecContext(ctx, `DELETE FROM participants WHERE room_id = ?;`, roomID)
	if err != nil {
		return fmt.Errorf("delete room participants: %w", err)
	}
	return nil
}

func (t *sqlTables) CreateJoinRequest(ctx context.Context, req *models.JoinRequest) error {
	const q = `INSERT INTO join_requests (id, room_id, user_id, user_name, timestamp) VALUES (?, ?, ?, ?, ?);`
	_, err := t.q.ExecContext(ctx, q, req.ID, req.RoomID, req.UserID, req.UserName, req.Timestamp)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate.WithDetails("pending request for user " + req.UserID)
		}
		return fmt.Errorf("insert join request: %w", err)
	}
	cp := *req
	t.emit(Event{Op: OpInsert, Table: TableJoinRequests, ChatID: req.RoomID, JoinRequest: &cp})
	return nil
}

func (t *sqlTables) GetJoinRequest(ctx context.Context, requestID string) (*models.JoinRequest, error) {
	const q = `SELECT id, room_id, user_id, user_name, timestamp FROM join_requests WHERE id = ?;`
	var req models.JoinRequest
	err := t.q.QueryRowContext(ctx, q, requestID).Scan(&req.ID, &req.RoomID, &req.UserID, &req.UserName, &req.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("select join request: %w", err)
	}
	return &req, nil
}

func (t *sqlTables) FindJoinRequest(ctx context.Context, roomID, userID string) (*models.JoinRequest, error) {
	const q = `SELECT id, room_id, user_id, user_name, timestamp FROM join_requests WHERE room_id = ? AND user_id = ?;`
	var req models.JoinRequest
	err := t.q.QueryRowContext(ctx, q, roomID, userID).Scan(&req.ID, &req.RoomID, &req.UserID, &req.UserName, &req.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("select join request: %w", err)
	}
	return &req, nil
}

func (t *sqlTables) ListJoinRequests(ctx context.Context, roomID string) ([]*models.JoinRequest, error) {
	const q = `SELECT id, room_id, user_id, user_name, timestamp FROM join_requests WHERE room_id = ? ORDER BY timestamp;`
	rows, err := t.q.QueryContext(ctx, q, roomID)
	if err != nil {
		return nil, fmt.Errorf("select join requests: %w", err)
	}
	defer rows.Close()
	out := make([]*models.JoinRequest, 0)
	for rows.Next() {
		var req models.JoinRequest
		if err := rows.Scan(&req.ID, &req.RoomID, &req.UserID, &req.UserName, &req.Timestamp); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, &req)
	}
	return out, rows.Err()
}

func (t *sqlTables) DeleteJoinRequest(ctx context.Context, requestID string) (bool, error) {
	req, err := t.GetJoinRequest(ctx, requestID)
	if errors.Is(err, ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	res, err := t.q.ExecContext(ctx, `DELETE FROM join_requests WHERE id = ?;`, requestID)
	if err != nil {
		return false, fmt.Errorf("delete join request: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	t.emit(Event{Op: OpDelete, Table: TableJoinRequests, ChatID: req.RoomID, JoinRequest: req})
	return true, nil
}

func (t *sqlTables) DeleteRoomJoinRequests(ctx context.Context, roomID string) error {
	_, err := t.q.ExecContext(ctx, `DELETE FROM join_requests WHERE room_id = ?;`, roomID)
	if err != nil {
		return fmt.Errorf("delete room join requests: %w", err)
	}
	return nil
}

func (t *sqlTables) AppendMessage(ctx context.Context, msg *models.Message) error {
	const q = `INSERT INTO messages (id, chat_id, sender_id, sender_name, content, timestamp, encrypted, system)
VALUES (?, ?, ?, ?, ?, ?, ?, ?);`
	res, err := t.q.ExecContext(ctx, q,
		msg.ID, msg.ChatID, msg.SenderID, msg.SenderName, msg.Content, msg.Timestamp,
		boolToInt(msg.Encrypted), boolToInt(msg.System))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate.WithDetails("message " + msg.ID)
		}
		return fmt.Errorf("insert message: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("message seq: %w", err)
	}
	msg.Seq = seq
	cp := *msg
	t.emit(Event{Op: OpInsert, Table: TableMessages, ChatID: msg.ChatID, Message: &cp})
	return nil
}

func (t *sqlTables) ListMessages(ctx context.Context, chatID string, limit int) ([]*models.Message, error) {
	q := `SELECT seq, id, chat_id, sender_id, sender_name, content, timestamp, encrypted, system
FROM messages WHERE chat_id = ? ORDER BY seq`
	args := []any{chatID}
	if limit > 0 {
		// keep the most recent limit rows, still in ascending order
		q = `SELECT seq, id, chat_id, sender_id, sender_name, content, timestamp, encrypted, system FROM (
  SELECT seq, id, chat_id, sender_id, sender_name, content, timestamp, encrypted, system
  FROM messages WHERE chat_id = ? ORDER BY seq DESC LIMIT ?
) ORDER BY seq`
		args = append(args, limit)
	}
	rows, err := t.q.QueryContext(ctx, q+";", args...)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer rows.Close()
	var out []*models.Message
	for rows.Next() {
		var (
			msg       models.Message
			encrypted int
			system    int
		)
		if err := rows.Scan(&msg.Seq, &msg.ID, &msg.ChatID, &msg.SenderID, &msg.SenderName,
			&msg.Content, &msg.Timestamp, &encrypted, &system); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		msg.Encrypted = encrypted != 0
		msg.System = system != 0
		out = append(out, &msg)
	}
	return out, rows.Err()
}

func (t *sqlTables) DeleteChatMessages(ctx context.Context, chatID string) error {
	_, err := t.q.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ?;`, chatID)
	if err != nil {
		return fmt.Errorf("delete chat messages: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanParticipant(row rowScanner) (*models.Participant, error) {
	var (
		p       models.Participant
		isAdmin int
	)
	if err := row.Scan(&p.Seq, &p.RoomID, &p.UserID, &p.Name, &isAdmin, &p.JoinedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan participant: %w", err)
	}
	p.IsAdmin = isAdmin != 0
	return &p, nil
}
