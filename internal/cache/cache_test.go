package cache

import (
	"testing"

	"github.com/npezzotti/roomsync/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(id int64, room string) types.Message {
	return types.Message{Id: id, RoomId: room, AuthorId: 1, Author: "alice", Content: "hi", Reactions: []types.Reaction{}}
}

func ids(msgs []types.Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.Id
	}
	return out
}

func TestCache_Rooms(t *testing.T) {
	c := New()
	c.SetRooms([]types.Room{
		{Id: "room1", Name: "general", MemberCount: 2, IsJoined: true},
		{Id: "room2", Name: "random", MemberCount: 0},
	})

	rooms := c.Rooms()
	require.Len(t, rooms, 2)
	assert.Equal(t, "general", rooms[0].Name)
	assert.True(t, c.IsJoined("room1"))
	assert.False(t, c.IsJoined("room2"))

	_, ok := c.Room("missing")
	assert.False(t, ok)
}

func TestCache_SetJoined(t *testing.T) {
	c := New()
	c.SetRooms([]types.Room{{Id: "room1", MemberCount: 1}})

	assert.True(t, c.SetJoined("room1", true))
	assert.False(t, c.SetJoined("room1", true), "expected repeating a join to be a no-op")

	r, _ := c.Room("room1")
	assert.True(t, r.IsJoined)
	assert.Equal(t, 2, r.MemberCount)

	assert.True(t, c.SetJoined("room1", false))
	r, _ = c.Room("room1")
	assert.False(t, r.IsJoined)
	assert.Equal(t, 1, r.MemberCount)
}

func TestCache_ApplyMember(t *testing.T) {
	tcases := []struct {
		name       string
		joined     bool
		startJoin  bool
		userId     int
		wantCount  int
		wantJoined bool
	}{
		{name: "other user joins", joined: true, userId: 2, wantCount: 4},
		{name: "other user leaves", joined: false, userId: 2, wantCount: 2},
		{name: "self joins", joined: true, userId: 1, wantCount: 4, wantJoined: true},
		{name: "self join echo after optimistic join", joined: true, startJoin: true, userId: 1, wantCount: 3, wantJoined: true},
		{name: "self leaves", joined: false, startJoin: true, userId: 1, wantCount: 2},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			c := New()
			c.SetRooms([]types.Room{{Id: "room1", MemberCount: 3, IsJoined: tc.startJoin}})

			c.ApplyMember(types.MemberChange{RoomId: "room1", UserId: tc.userId}, tc.joined, 1)

			r, _ := c.Room("room1")
			assert.Equal(t, tc.wantCount, r.MemberCount)
			assert.Equal(t, tc.wantJoined, r.IsJoined)
		})
	}
}

func TestCache_ApplyMemberDuplicateDelivery(t *testing.T) {
	c := New()
	c.SetRooms([]types.Room{{Id: "room1", MemberCount: 3}})
	change := types.MemberChange{RoomId: "room1", UserId: 2}

	c.ApplyMember(change, true, 1)
	c.ApplyMember(change, true, 1)
	r, _ := c.Room("room1")
	assert.Equal(t, 4, r.MemberCount, "expected a repeated join to count once")

	c.ApplyMember(change, false, 1)
	c.ApplyMember(change, false, 1)
	r, _ = c.Room("room1")
	assert.Equal(t, 3, r.MemberCount, "expected a repeated leave to count once")

	c.ApplyMember(change, true, 1)
	r, _ = c.Room("room1")
	assert.Equal(t, 4, r.MemberCount, "expected a rejoin to count")

	c.SetRooms([]types.Room{{Id: "room1", MemberCount: 4}})
	c.ApplyMember(change, false, 1)
	r, _ = c.Room("room1")
	assert.Equal(t, 3, r.MemberCount, "expected a reload to forget earlier changes")
}

func TestCache_MergeMessageDedupes(t *testing.T) {
	c := New()

	assert.True(t, c.MergeMessage(msg(3, "room1")))
	assert.True(t, c.MergeMessage(msg(1, "room1")))
	assert.False(t, c.MergeMessage(msg(3, "room1")), "expected a duplicate id to be ignored")
	assert.True(t, c.MergeMessage(msg(2, "room1")))

	assert.Equal(t, []int64{1, 2, 3}, ids(c.Messages("room1")))
}

func TestCache_MergeMessageReplacesOptimistic(t *testing.T) {
	c := New()
	c.MergeMessage(msg(1, "room1"))

	pending := types.Message{RoomId: "room1", Content: "hello", ClientId: "c1"}
	c.AddOptimistic(pending)
	c.AddOptimistic(types.Message{RoomId: "room1", Content: "later", ClientId: "c2"})

	msgs := c.Messages("room1")
	require.Len(t, msgs, 3)
	assert.Equal(t, "c1", msgs[1].ClientId)
	assert.Equal(t, "c2", msgs[2].ClientId)

	confirmed := msg(5, "room1")
	confirmed.ClientId = "c1"
	c.MergeMessage(confirmed)
	// the same message pushed by the broker afterwards
	c.MergeMessage(confirmed)

	msgs = c.Messages("room1")
	require.Len(t, msgs, 3)
	assert.Equal(t, int64(5), msgs[1].Id)
	assert.Equal(t, "c2", msgs[2].ClientId)
}

func TestCache_ReplaceReactions(t *testing.T) {
	c := New()
	c.MergeMessage(msg(1, "room1"))

	updated := msg(1, "room1")
	updated.Reactions = []types.Reaction{{UserId: 2, Kind: types.Like}, {UserId: 3, Kind: types.Dislike}}
	assert.True(t, c.ReplaceReactions(updated))

	got, ok := c.Message(1)
	require.True(t, ok)
	assert.Equal(t, updated.Reactions, got.Reactions)

	updated.Reactions = []types.Reaction{{UserId: 3, Kind: types.Dislike}}
	c.ReplaceReactions(updated)
	got, _ = c.Message(1)
	assert.Equal(t, updated.Reactions, got.Reactions, "expected the reaction set to be replaced, not merged")

	assert.False(t, c.ReplaceReactions(msg(99, "room1")))
}

func TestCache_ApplyEvent(t *testing.T) {
	c := New()
	c.SetRooms([]types.Room{{Id: "room1", MemberCount: 1}})

	c.ApplyEvent(types.NewMessageEvent(msg(1, "room1")), 1)
	c.ApplyEvent(types.NewMessageEvent(msg(1, "room1")), 1)
	assert.Len(t, c.Messages("room1"), 1)

	liked := msg(1, "room1")
	liked.Reactions = []types.Reaction{{UserId: 2, Kind: types.Like}}
	c.ApplyEvent(types.MessageUpdatedEvent(liked), 1)
	got, _ := c.Message(1)
	assert.Len(t, got.Reactions, 1)

	c.ApplyEvent(types.UserJoinedEvent("room1", 1), 1)
	assert.True(t, c.IsJoined("room1"))
	c.ApplyEvent(types.UserJoinedEvent("room1", 2), 1)
	r, _ := c.Room("room1")
	assert.Equal(t, 3, r.MemberCount)

	c.ApplyEvent(types.UserLeftEvent("room1", 1), 1)
	assert.False(t, c.IsJoined("room1"))
}

func TestCache_MessagesAreCopies(t *testing.T) {
	c := New()
	m := msg(1, "room1")
	m.Reactions = []types.Reaction{{UserId: 2, Kind: types.Like}}
	c.MergeMessage(m)

	got := c.Messages("room1")
	got[0].Reactions[0].Kind = types.Dislike

	again, _ := c.Message(1)
	assert.Equal(t, types.Like, again.Reactions[0].Kind)
}

func TestCache_Reset(t *testing.T) {
	c := New()
	c.SetRooms([]types.Room{{Id: "room1", IsJoined: true}})
	c.MergeMessage(msg(1, "room1"))
	gen := c.SetActiveRoom("room1")

	c.Reset()

	assert.Empty(t, c.Rooms())
	assert.Empty(t, c.Messages("room1"))
	assert.False(t, c.MergePage("room1", gen, types.MessagePage{Messages: []types.Message{msg(2, "room1")}}))
}
