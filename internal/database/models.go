package database

import "time"

type User struct {
	Id        int
	Username  string
	CreatedAt time.Time
}

type Room struct {
	Id          string
	Name        string
	MemberCount int
	IsJoined    bool
	CreatedAt   time.Time
}

type Membership struct {
	UserId   int
	RoomId   string
	JoinedAt time.Time
}

type Reaction struct {
	UserId    int
	MessageId int64
	Kind      string
	CreatedAt time.Time
}

type Message struct {
	Id        int64
	RoomId    string
	UserId    int
	Username  string
	Content   string
	CreatedAt time.Time
	Reactions []Reaction
}

type CreateRoomParams struct {
	Id   string
	Name string
}

type CreateMessageParams struct {
	RoomId  string
	UserId  int
	Content string
}
