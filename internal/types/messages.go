package types

import (
	"encoding/json"
	"time"
)

const (
	MethodSignIn         = "signIn"
	MethodJoinRoom       = "joinRoom"
	MethodLeaveRoom      = "leaveRoom"
	MethodSendMessage    = "sendMessage"
	MethodToggleReaction = "toggleReaction"
	MethodMe             = "me"
	MethodListRooms      = "listRooms"
	MethodListMessages   = "listMessages"
)

type CallKind int

const (
	CallUnknown CallKind = iota
	CallMutation
	CallQuery
)

func (k CallKind) String() string {
	switch k {
	case CallMutation:
		return "mutation"
	case CallQuery:
		return "query"
	}
	return "unknown method"
}

// KindOfMethod reports whether method is a mutation or a query.
func KindOfMethod(method string) CallKind {
	switch method {
	case MethodSignIn, MethodJoinRoom, MethodLeaveRoom, MethodSendMessage, MethodToggleReaction:
		return CallMutation
	case MethodMe, MethodListRooms, MethodListMessages:
		return CallQuery
	}
	return CallUnknown
}

type ClientMessage struct {
	Id          string       `json:"id"`
	Call        *Call        `json:"call,omitempty"`
	Subscribe   *Subscribe   `json:"subscribe,omitempty"`
	Unsubscribe *Unsubscribe `json:"unsubscribe,omitempty"`
}

type Call struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Subscribe opens a stream for Topic. The id of the enclosing frame becomes
// the subscription id.
type Subscribe struct {
	Topic Topic `json:"topic"`
}

type Unsubscribe struct {
	SubscriptionId string `json:"subscription_id"`
}

type ServerMessage struct {
	Id        string      `json:"id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Response  *Response   `json:"response,omitempty"`
	Event     *EventFrame `json:"event,omitempty"`
}

type Response struct {
	ResponseCode int             `json:"response_code"`
	Kind         ErrorKind       `json:"kind,omitempty"`
	Error        string          `json:"error,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// Err returns the failure carried by r, or nil for a successful response.
func (r *Response) Err() error {
	if r.Kind == "" && r.Error == "" {
		return nil
	}
	kind := r.Kind
	if kind == "" {
		kind = KindInternal
	}
	return NewError(kind, r.Error)
}

type EventFrame struct {
	SubscriptionId string `json:"subscription_id"`
	Event
}

type SignInParams struct {
	Username string `json:"username"`
}

type RoomParams struct {
	RoomId string `json:"room_id"`
}

type SendMessageParams struct {
	RoomId   string `json:"room_id"`
	Content  string `json:"content"`
	ClientId string `json:"client_id,omitempty"`
}

type ToggleReactionParams struct {
	MessageId int64        `json:"message_id"`
	Kind      ReactionKind `json:"kind"`
}

type ListMessagesParams struct {
	RoomId string `json:"room_id"`
	Limit  int    `json:"limit,omitempty"`
	Cursor string `json:"cursor,omitempty"`
}
