package types

import "fmt"

type TopicKind string

const (
	TopicNewMessage     TopicKind = "newMessage"
	TopicMessageUpdated TopicKind = "messageUpdated"
	TopicUserJoined     TopicKind = "userJoined"
	TopicUserLeft       TopicKind = "userLeft"
)

// RoomTopicKinds lists every topic kind scoped to a room.
var RoomTopicKinds = []TopicKind{
	TopicNewMessage,
	TopicMessageUpdated,
	TopicUserJoined,
	TopicUserLeft,
}

func (k TopicKind) Valid() bool {
	switch k {
	case TopicNewMessage, TopicMessageUpdated, TopicUserJoined, TopicUserLeft:
		return true
	}
	return false
}

// Topic addresses events of one kind within one room.
type Topic struct {
	Kind   TopicKind `json:"kind"`
	RoomId string    `json:"room_id"`
}

func (t Topic) String() string {
	return fmt.Sprintf("%s(%s)", t.Kind, t.RoomId)
}

func (t Topic) Valid() bool {
	return t.Kind.Valid() && t.RoomId != ""
}

// RoomTopics returns the topics of every kind for roomId.
func RoomTopics(roomId string) []Topic {
	topics := make([]Topic, len(RoomTopicKinds))
	for i, k := range RoomTopicKinds {
		topics[i] = Topic{Kind: k, RoomId: roomId}
	}
	return topics
}

// Event is a payload published on a topic. Exactly one of Message or Member
// is set, matching the kind of Topic. Use the constructors so the two agree.
type Event struct {
	Topic   Topic         `json:"topic"`
	Message *Message      `json:"message,omitempty"`
	Member  *MemberChange `json:"member,omitempty"`
}

func NewMessageEvent(msg Message) Event {
	return Event{
		Topic:   Topic{Kind: TopicNewMessage, RoomId: msg.RoomId},
		Message: &msg,
	}
}

func MessageUpdatedEvent(msg Message) Event {
	return Event{
		Topic:   Topic{Kind: TopicMessageUpdated, RoomId: msg.RoomId},
		Message: &msg,
	}
}

func UserJoinedEvent(roomId string, userId int) Event {
	return Event{
		Topic:  Topic{Kind: TopicUserJoined, RoomId: roomId},
		Member: &MemberChange{RoomId: roomId, UserId: userId},
	}
}

func UserLeftEvent(roomId string, userId int) Event {
	return Event{
		Topic:  Topic{Kind: TopicUserLeft, RoomId: roomId},
		Member: &MemberChange{RoomId: roomId, UserId: userId},
	}
}
