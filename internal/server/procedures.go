package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/npezzotti/roomsync/internal/database"
	"github.com/npezzotti/roomsync/internal/stats"
	"github.com/npezzotti/roomsync/internal/types"
)

var errAuthRequired = types.NewError(types.KindUnauthenticated, "authentication required")

type procedure func(cs *ChatServer, user *types.User, params json.RawMessage) (any, error)

var procedures = map[string]procedure{
	types.MethodSignIn:         (*ChatServer).signIn,
	types.MethodMe:             (*ChatServer).me,
	types.MethodListRooms:      (*ChatServer).listRooms,
	types.MethodListMessages:   (*ChatServer).listMessages,
	types.MethodJoinRoom:       (*ChatServer).joinRoom,
	types.MethodLeaveRoom:      (*ChatServer).leaveRoom,
	types.MethodSendMessage:    (*ChatServer).sendMessage,
	types.MethodToggleReaction: (*ChatServer).toggleReaction,
}

// Call runs method for user and returns the value to send back as response
// data. user is nil for callers without a valid credential, which may only
// sign in.
func (cs *ChatServer) Call(user *types.User, method string, params json.RawMessage) (any, error) {
	cs.stats.Incr(stats.MetricCalls)

	proc, ok := procedures[method]
	if !ok {
		return nil, types.NewError(types.KindNotFound, fmt.Sprintf("unknown method %q", method))
	}
	if user == nil && method != types.MethodSignIn {
		return nil, errAuthRequired
	}

	return proc(cs, user, params)
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return types.WrapError(types.KindValidation, "invalid params", err)
	}
	return nil
}

func requireRoomId(roomId string) error {
	if strings.TrimSpace(roomId) == "" {
		return types.NewError(types.KindValidation, "room id is required")
	}
	return nil
}

func wrapInternal(op string, err error) error {
	return types.WrapError(types.KindInternal, "internal server error", fmt.Errorf("%s: %w", op, err))
}

func (cs *ChatServer) publish(ev types.Event) {
	n := cs.broker.Publish(ev)
	cs.stats.Incr(stats.MetricEventsPublished)
	cs.log.Printf("published %s to %d subscriber(s)", ev.Topic, n)
}

func (cs *ChatServer) signIn(_ *types.User, raw json.RawMessage) (any, error) {
	var params types.SignInParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if err := types.ValidateUsername(params.Username); err != nil {
		return nil, err
	}
	if cs.tokens == nil {
		return nil, wrapInternal("sign in", errors.New("no token issuer configured"))
	}

	dbUser, err := cs.db.UpsertUser(strings.TrimSpace(params.Username))
	if err != nil {
		return nil, wrapInternal("upsert user", err)
	}

	user := userFromDB(dbUser)
	token, err := cs.tokens.IssueToken(user)
	if err != nil {
		return nil, wrapInternal("issue token", err)
	}

	return types.SignInResult{User: user, Token: token}, nil
}

func (cs *ChatServer) me(user *types.User, _ json.RawMessage) (any, error) {
	dbUser, err := cs.db.GetUser(user.Id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, types.NewError(types.KindUnauthenticated, "user no longer exists")
		}
		return nil, wrapInternal("get user", err)
	}

	return userFromDB(dbUser), nil
}

func (cs *ChatServer) listRooms(user *types.User, _ json.RawMessage) (any, error) {
	dbRooms, err := cs.db.ListRooms(user.Id)
	if err != nil {
		return nil, wrapInternal("list rooms", err)
	}

	rooms := make([]types.Room, 0, len(dbRooms))
	for _, r := range dbRooms {
		rooms = append(rooms, roomFromDB(r))
	}
	return rooms, nil
}

func parseCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil || id <= 0 {
		return 0, types.NewError(types.KindValidation, "invalid cursor")
	}
	return id, nil
}

// buildPage turns up to limit+1 rows ordered newest first into a page ordered
// oldest first. The extra row, if present, is left out and becomes the cursor
// of the next page.
func buildPage(rows []database.Message, limit int) types.MessagePage {
	var page types.MessagePage
	if len(rows) > limit {
		page.NextCursor = strconv.FormatInt(rows[limit].Id, 10)
		rows = rows[:limit]
	}

	page.Messages = make([]types.Message, len(rows))
	for i, row := range rows {
		page.Messages[len(rows)-1-i] = messageFromDB(row)
	}
	return page
}

func (cs *ChatServer) listMessages(_ *types.User, raw json.RawMessage) (any, error) {
	var params types.ListMessagesParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if err := requireRoomId(params.RoomId); err != nil {
		return nil, err
	}
	limit, err := types.PageLimit(params.Limit)
	if err != nil {
		return nil, err
	}
	before, err := parseCursor(params.Cursor)
	if err != nil {
		return nil, err
	}

	if _, err := cs.db.GetRoom(params.RoomId); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, types.NewError(types.KindNotFound, "room not found")
		}
		return nil, wrapInternal("get room", err)
	}

	rows, err := cs.db.ListMessages(params.RoomId, before, limit+1)
	if err != nil {
		return nil, wrapInternal("list messages", err)
	}

	return buildPage(rows, limit), nil
}

func (cs *ChatServer) joinRoom(user *types.User, raw json.RawMessage) (any, error) {
	var params types.RoomParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if err := requireRoomId(params.RoomId); err != nil {
		return nil, err
	}

	membership, err := cs.db.CreateMembership(user.Id, params.RoomId)
	if err != nil {
		switch {
		case errors.Is(err, database.ErrConflict):
			return nil, types.NewError(types.KindConflict, "already a member of this room")
		case errors.Is(err, database.ErrNotFound):
			return nil, types.NewError(types.KindNotFound, "room not found")
		default:
			return nil, wrapInternal("create membership", err)
		}
	}

	cs.publish(types.UserJoinedEvent(params.RoomId, user.Id))
	return membershipFromDB(membership), nil
}

func (cs *ChatServer) leaveRoom(user *types.User, raw json.RawMessage) (any, error) {
	var params types.RoomParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if err := requireRoomId(params.RoomId); err != nil {
		return nil, err
	}

	membership, err := cs.db.DeleteMembership(user.Id, params.RoomId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, types.NewError(types.KindNotFound, "not a member of this room")
		}
		return nil, wrapInternal("delete membership", err)
	}

	cs.publish(types.UserLeftEvent(params.RoomId, user.Id))
	return membershipFromDB(membership), nil
}

func (cs *ChatServer) sendMessage(user *types.User, raw json.RawMessage) (any, error) {
	var params types.SendMessageParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if err := requireRoomId(params.RoomId); err != nil {
		return nil, err
	}
	if err := types.ValidateContent(params.Content); err != nil {
		return nil, err
	}

	dbMsg, err := cs.db.CreateMessage(database.CreateMessageParams{
		RoomId:  params.RoomId,
		UserId:  user.Id,
		Content: params.Content,
	})
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, types.NewError(types.KindNotFound, "room not found")
		}
		return nil, wrapInternal("create message", err)
	}

	msg := messageFromDB(dbMsg)
	msg.ClientId = params.ClientId
	cs.publish(types.NewMessageEvent(msg))
	return msg, nil
}

// toggleReaction returns the updated message, or nil when the message does
// not exist.
func (cs *ChatServer) toggleReaction(user *types.User, raw json.RawMessage) (any, error) {
	var params types.ToggleReactionParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if params.MessageId <= 0 {
		return nil, types.NewError(types.KindValidation, "message id is required")
	}
	if err := types.ValidateReactionKind(params.Kind); err != nil {
		return nil, err
	}

	dbMsg, err := cs.db.ToggleReaction(user.Id, params.MessageId, string(params.Kind))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, nil
		}
		return nil, wrapInternal("toggle reaction", err)
	}

	msg := messageFromDB(dbMsg)
	cs.publish(types.MessageUpdatedEvent(msg))
	return msg, nil
}
