package database

import "errors"

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

type Repository interface {
	Ping() error
	UpsertUser(username string) (User, error)
	GetUser(id int) (User, error)
	CreateRoom(params CreateRoomParams) (Room, error)
	GetRoom(id string) (Room, error)
	ListRooms(userId int) ([]Room, error)
	CreateMembership(userId int, roomId string) (Membership, error)
	DeleteMembership(userId int, roomId string) (Membership, error)
	CreateMessage(params CreateMessageParams) (Message, error)
	GetMessage(id int64) (Message, error)
	ListMessages(roomId string, before int64, limit int) ([]Message, error)
	ToggleReaction(userId int, messageId int64, kind string) (Message, error)
}
