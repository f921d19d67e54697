package types

import (
	"time"
)

const (
	MaxMessageLength = 1000
	DefaultPageSize  = 50
	MaxPageSize      = 100
)

type User struct {
	Id        int       `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

type SignInResult struct {
	User
	Token string `json:"token"`
}

type Room struct {
	Id          string    `json:"id"`
	Name        string    `json:"name"`
	MemberCount int       `json:"member_count"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	IsJoined    bool      `json:"is_joined"`
}

type Membership struct {
	UserId   int       `json:"user_id"`
	RoomId   string    `json:"room_id"`
	JoinedAt time.Time `json:"joined_at"`
}

type Message struct {
	Id        int64      `json:"id"`
	RoomId    string     `json:"room_id"`
	AuthorId  int        `json:"author_id"`
	Author    string     `json:"author"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"created_at"`
	Reactions []Reaction `json:"reactions"`
	// ClientId is the correlation id of the send that created the message.
	// It is only set on the send response and the newMessage push.
	ClientId string `json:"client_id,omitempty"`
}

// Clone returns a copy of m that does not share its reaction slice.
func (m Message) Clone() Message {
	if m.Reactions != nil {
		m.Reactions = append(make([]Reaction, 0, len(m.Reactions)), m.Reactions...)
	}
	return m
}

type MessagePage struct {
	Messages   []Message `json:"messages"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

type MemberChange struct {
	RoomId string `json:"room_id"`
	UserId int    `json:"user_id"`
}
