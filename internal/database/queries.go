package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const (
	foreignKeyViolation = "23503"

	roomColumns = "r.id, r.name, r.created_at, COUNT(m.user_id) AS member_count"

	messageSelect = "SELECT msg.id, msg.room_id, msg.user_id, u.username, msg.content, msg.created_at " +
		"FROM messages msg JOIN users u ON u.id = msg.user_id "
)

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation
}

func (db *PgRepository) UpsertUser(username string) (User, error) {
	// the no-op update makes RETURNING yield the existing row on conflict
	row := db.conn.QueryRow(
		"INSERT INTO users (username, created_at) VALUES ($1, $2) "+
			"ON CONFLICT (username) DO UPDATE SET username = EXCLUDED.username "+
			"RETURNING id, username, created_at",
		username,
		time.Now().UTC(),
	)

	var u User
	err := row.Scan(&u.Id, &u.Username, &u.CreatedAt)
	return u, err
}

func (db *PgRepository) GetUser(id int) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, created_at FROM users WHERE id = $1 LIMIT 1",
		id,
	)

	var u User
	if err := row.Scan(&u.Id, &u.Username, &u.CreatedAt); err != nil {
		return User{}, notFound(err)
	}
	return u, nil
}

func (db *PgRepository) CreateRoom(params CreateRoomParams) (Room, error) {
	row := db.conn.QueryRow(
		"INSERT INTO rooms (id, name, created_at) VALUES ($1, $2, $3) RETURNING id, name, created_at",
		params.Id,
		params.Name,
		time.Now().UTC(),
	)

	var room Room
	if err := row.Scan(&room.Id, &room.Name, &room.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return Room{}, ErrConflict
		}
		return Room{}, err
	}
	return room, nil
}

func (db *PgRepository) GetRoom(id string) (Room, error) {
	row := db.conn.QueryRow(
		"SELECT "+roomColumns+" FROM rooms r "+
			"LEFT JOIN memberships m ON m.room_id = r.id "+
			"WHERE r.id = $1 GROUP BY r.id",
		id,
	)

	var room Room
	if err := row.Scan(&room.Id, &room.Name, &room.CreatedAt, &room.MemberCount); err != nil {
		return Room{}, notFound(err)
	}
	return room, nil
}

func (db *PgRepository) ListRooms(userId int) ([]Room, error) {
	rows, err := db.conn.Query(
		"SELECT "+roomColumns+", COALESCE(BOOL_OR(m.user_id = $1), false) AS is_joined "+
			"FROM rooms r LEFT JOIN memberships m ON m.room_id = r.id "+
			"GROUP BY r.id ORDER BY r.created_at, r.id",
		userId,
	)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	rooms := make([]Room, 0)
	for rows.Next() {
		var room Room
		if err := rows.Scan(&room.Id, &room.Name, &room.CreatedAt, &room.MemberCount, &room.IsJoined); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, room)
	}

	return rooms, rows.Err()
}

func (db *PgRepository) CreateMembership(userId int, roomId string) (Membership, error) {
	row := db.conn.QueryRow(
		"INSERT INTO memberships (user_id, room_id, joined_at) VALUES ($1, $2, $3) "+
			"RETURNING user_id, room_id, joined_at",
		userId,
		roomId,
		time.Now().UTC(),
	)

	var m Membership
	if err := row.Scan(&m.UserId, &m.RoomId, &m.JoinedAt); err != nil {
		switch {
		case isUniqueViolation(err):
			return Membership{}, ErrConflict
		case isForeignKeyViolation(err):
			return Membership{}, ErrNotFound
		}
		return Membership{}, err
	}
	return m, nil
}

func (db *PgRepository) DeleteMembership(userId int, roomId string) (Membership, error) {
	row := db.conn.QueryRow(
		"DELETE FROM memberships WHERE user_id = $1 AND room_id = $2 "+
			"RETURNING user_id, room_id, joined_at",
		userId,
		roomId,
	)

	var m Membership
	if err := row.Scan(&m.UserId, &m.RoomId, &m.JoinedAt); err != nil {
		return Membership{}, notFound(err)
	}
	return m, nil
}

func (db *PgRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	row := db.conn.QueryRow(
		"WITH msg AS ("+
			"INSERT INTO messages (room_id, user_id, content, created_at) VALUES ($1, $2, $3, $4) "+
			"RETURNING id, room_id, user_id, content, created_at) "+
			"SELECT msg.id, msg.room_id, msg.user_id, u.username, msg.content, msg.created_at "+
			"FROM msg JOIN users u ON u.id = msg.user_id",
		params.RoomId,
		params.UserId,
		params.Content,
		time.Now().UTC(),
	)

	var msg Message
	err := row.Scan(&msg.Id, &msg.RoomId, &msg.UserId, &msg.Username, &msg.Content, &msg.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return Message{}, ErrNotFound
		}
		return Message{}, err
	}

	msg.Reactions = make([]Reaction, 0)
	return msg, nil
}

func (db *PgRepository) GetMessage(id int64) (Message, error) {
	row := db.conn.QueryRow(messageSelect+"WHERE msg.id = $1", id)

	var msg Message
	err := row.Scan(&msg.Id, &msg.RoomId, &msg.UserId, &msg.Username, &msg.Content, &msg.CreatedAt)
	if err != nil {
		return Message{}, notFound(err)
	}

	reactions, err := db.reactionsFor([]int64{msg.Id})
	if err != nil {
		return Message{}, err
	}

	msg.Reactions = reactions[msg.Id]
	if msg.Reactions == nil {
		msg.Reactions = make([]Reaction, 0)
	}
	return msg, nil
}

// ListMessages returns up to limit messages of a room, newest first. When
// before is positive only messages with an id less than or equal to it are
// returned.
func (db *PgRepository) ListMessages(roomId string, before int64, limit int) ([]Message, error) {
	rows, err := db.conn.Query(
		messageSelect+
			"WHERE msg.room_id = $1 AND ($2::bigint <= 0 OR msg.id <= $2) "+
			"ORDER BY msg.id DESC LIMIT $3",
		roomId,
		before,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0, limit)
	ids := make([]int64, 0, limit)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.Id, &msg.RoomId, &msg.UserId, &msg.Username, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
		ids = append(ids, msg.Id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	if len(ids) == 0 {
		return messages, nil
	}

	reactions, err := db.reactionsFor(ids)
	if err != nil {
		return nil, err
	}

	for i := range messages {
		messages[i].Reactions = reactions[messages[i].Id]
		if messages[i].Reactions == nil {
			messages[i].Reactions = make([]Reaction, 0)
		}
	}

	return messages, nil
}

func (db *PgRepository) reactionsFor(messageIds []int64) (map[int64][]Reaction, error) {
	rows, err := db.conn.Query(
		"SELECT user_id, message_id, kind, created_at FROM reactions "+
			"WHERE message_id = ANY($1) ORDER BY created_at, user_id",
		pq.Array(messageIds),
	)
	if err != nil {
		return nil, fmt.Errorf("list reactions: %w", err)
	}
	defer rows.Close()

	reactions := make(map[int64][]Reaction)
	for rows.Next() {
		var r Reaction
		if err := rows.Scan(&r.UserId, &r.MessageId, &r.Kind, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reaction: %w", err)
		}
		reactions[r.MessageId] = append(reactions[r.MessageId], r)
	}

	return reactions, rows.Err()
}

// ToggleReaction removes the user's reaction when it already has kind,
// switches it when it has the other kind, and creates it otherwise. The
// updated message is returned.
func (db *PgRepository) ToggleReaction(userId int, messageId int64, kind string) (Message, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Message{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var id int64
	err = tx.QueryRow("SELECT id FROM messages WHERE id = $1 FOR SHARE", messageId).Scan(&id)
	if err != nil {
		return Message{}, notFound(err)
	}

	var existing string
	err = tx.QueryRow(
		"SELECT kind FROM reactions WHERE user_id = $1 AND message_id = $2 FOR UPDATE",
		userId,
		messageId,
	).Scan(&existing)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		// a concurrent first reaction by the same user may have been
		// inserted since the lookup
		_, err = tx.Exec(
			"INSERT INTO reactions (user_id, message_id, kind, created_at) VALUES ($1, $2, $3, $4) "+
				"ON CONFLICT (user_id, message_id) DO UPDATE SET kind = EXCLUDED.kind",
			userId,
			messageId,
			kind,
			time.Now().UTC(),
		)
	case err != nil:
		return Message{}, err
	case existing == kind:
		_, err = tx.Exec("DELETE FROM reactions WHERE user_id = $1 AND message_id = $2", userId, messageId)
	default:
		_, err = tx.Exec(
			"UPDATE reactions SET kind = $3 WHERE user_id = $1 AND message_id = $2",
			userId,
			messageId,
			kind,
		)
	}
	if err != nil {
		return Message{}, err
	}

	if err = tx.Commit(); err != nil {
		return Message{}, err
	}

	return db.GetMessage(messageId)
}
