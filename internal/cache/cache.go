// Package cache holds the client's local view of rooms and messages. Reads
// always come from here; the optimistic coordinator and the event router
// are its only writers.
package cache

import (
	"sort"
	"sync"

	"github.com/npezzotti/roomsync/internal/types"
)

type roomMessages struct {
	byId map[int64]types.Message
	// ids is kept in ascending order, which is creation order.
	ids []int64
}

type optimisticList struct {
	byClientId map[string]types.Message
	order      []string
}

type history struct {
	nextCursor string
	loaded     bool
}

type Cache struct {
	mu sync.RWMutex

	rooms  map[string]types.Room
	order  []string
	joined map[string]struct{}
	// members is the last membership change seen per room and user since
	// the room list was loaded.
	members map[string]map[int]bool

	messages   map[string]*roomMessages
	optimistic map[string]*optimisticList
	index      map[int64]string

	history    map[string]*history
	active     string
	generation uint64
}

func New() *Cache {
	c := &Cache{}
	c.resetLocked()
	return c
}

func (c *Cache) resetLocked() {
	c.rooms = make(map[string]types.Room)
	c.order = nil
	c.joined = make(map[string]struct{})
	c.members = make(map[string]map[int]bool)
	c.messages = make(map[string]*roomMessages)
	c.optimistic = make(map[string]*optimisticList)
	c.index = make(map[int64]string)
	c.history = make(map[string]*history)
	c.active = ""
}

// Reset drops everything. The history generation keeps counting so pages
// requested before the reset are still discarded.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
	c.generation++
}

// SetRooms replaces the room list. The joined set is rebuilt from each
// room's IsJoined flag.
func (c *Cache) SetRooms(rooms []types.Room) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rooms = make(map[string]types.Room, len(rooms))
	c.order = make([]string, 0, len(rooms))
	c.joined = make(map[string]struct{})
	c.members = make(map[string]map[int]bool)
	for _, r := range rooms {
		if _, dup := c.rooms[r.Id]; !dup {
			c.order = append(c.order, r.Id)
		}
		c.rooms[r.Id] = r
		if r.IsJoined {
			c.joined[r.Id] = struct{}{}
		}
	}
}

func (c *Cache) roomLocked(id string) types.Room {
	r := c.rooms[id]
	_, r.IsJoined = c.joined[id]
	return r
}

func (c *Cache) Rooms() []types.Room {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]types.Room, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.roomLocked(id))
	}
	return out
}

func (c *Cache) Room(id string) (types.Room, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, ok := c.rooms[id]; !ok {
		return types.Room{}, false
	}
	return c.roomLocked(id), true
}

func (c *Cache) IsJoined(roomId string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.joined[roomId]
	return ok
}

// SetJoined sets the current user's membership of roomId. The member count
// moves only when the flag actually flips, so repeating it is harmless.
func (c *Cache) SetJoined(roomId string, joined bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setJoinedLocked(roomId, joined)
}

func (c *Cache) setJoinedLocked(roomId string, joined bool) bool {
	_, was := c.joined[roomId]
	if was == joined {
		return false
	}

	if joined {
		c.joined[roomId] = struct{}{}
		c.adjustMembersLocked(roomId, 1)
	} else {
		delete(c.joined, roomId)
		c.adjustMembersLocked(roomId, -1)
	}
	return true
}

func (c *Cache) adjustMembersLocked(roomId string, delta int) {
	r, ok := c.rooms[roomId]
	if !ok {
		return
	}
	r.MemberCount = max(r.MemberCount+delta, 0)
	c.rooms[roomId] = r
}

// ApplyMember records another user joining or leaving. A change about
// selfId sets the joined flag instead.
func (c *Cache) ApplyMember(change types.MemberChange, joined bool, selfId int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if change.UserId == selfId {
		c.setJoinedLocked(change.RoomId, joined)
		return
	}

	seen, ok := c.members[change.RoomId]
	if !ok {
		seen = make(map[int]bool)
		c.members[change.RoomId] = seen
	}
	if last, ok := seen[change.UserId]; ok && last == joined {
		return
	}
	seen[change.UserId] = joined

	if joined {
		c.adjustMembersLocked(change.RoomId, 1)
	} else {
		c.adjustMembersLocked(change.RoomId, -1)
	}
}

func (c *Cache) roomMessagesLocked(roomId string) *roomMessages {
	rm, ok := c.messages[roomId]
	if !ok {
		rm = &roomMessages{byId: make(map[int64]types.Message)}
		c.messages[roomId] = rm
	}
	return rm
}

// MergeMessage upserts a confirmed message by server id. A message already
// present is left untouched, so duplicate deliveries are no-ops. The
// optimistic entry with the same correlation id is dropped.
func (c *Cache) MergeMessage(msg types.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mergeLocked(msg)
}

func (c *Cache) mergeLocked(msg types.Message) bool {
	if msg.ClientId != "" {
		c.removeOptimisticLocked(msg.RoomId, msg.ClientId)
	}

	rm := c.roomMessagesLocked(msg.RoomId)
	if _, ok := rm.byId[msg.Id]; ok {
		return false
	}

	msg = msg.Clone()
	if msg.Reactions == nil {
		msg.Reactions = []types.Reaction{}
	}
	rm.byId[msg.Id] = msg
	c.index[msg.Id] = msg.RoomId

	i := sort.Search(len(rm.ids), func(i int) bool { return rm.ids[i] >= msg.Id })
	rm.ids = append(rm.ids, 0)
	copy(rm.ids[i+1:], rm.ids[i:])
	rm.ids[i] = msg.Id
	return true
}

// ReplaceReactions overwrites the reaction set of a cached message with the
// one carried by msg. Unknown messages are ignored.
func (c *Cache) ReplaceReactions(msg types.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	roomId, ok := c.index[msg.Id]
	if !ok {
		return false
	}
	rm := c.messages[roomId]
	cur := rm.byId[msg.Id]
	cur.Reactions = append([]types.Reaction{}, msg.Reactions...)
	rm.byId[msg.Id] = cur
	return true
}

// ApplyEvent merges a pushed event.
func (c *Cache) ApplyEvent(ev types.Event, selfId int) {
	switch ev.Topic.Kind {
	case types.TopicNewMessage:
		if ev.Message != nil {
			c.MergeMessage(*ev.Message)
		}
	case types.TopicMessageUpdated:
		if ev.Message != nil {
			c.ReplaceReactions(*ev.Message)
		}
	case types.TopicUserJoined:
		if ev.Member != nil {
			c.ApplyMember(*ev.Member, true, selfId)
		}
	case types.TopicUserLeft:
		if ev.Member != nil {
			c.ApplyMember(*ev.Member, false, selfId)
		}
	}
}

// AddOptimistic appends an unconfirmed message keyed by its ClientId.
func (c *Cache) AddOptimistic(msg types.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addOptimisticLocked(msg)
}

func (c *Cache) addOptimisticLocked(msg types.Message) {
	ol, ok := c.optimistic[msg.RoomId]
	if !ok {
		ol = &optimisticList{byClientId: make(map[string]types.Message)}
		c.optimistic[msg.RoomId] = ol
	}
	if _, ok := ol.byClientId[msg.ClientId]; !ok {
		ol.order = append(ol.order, msg.ClientId)
	}
	ol.byClientId[msg.ClientId] = msg.Clone()
}

func (c *Cache) removeOptimisticLocked(roomId, clientId string) {
	ol, ok := c.optimistic[roomId]
	if !ok {
		return
	}
	if _, ok := ol.byClientId[clientId]; !ok {
		return
	}
	delete(ol.byClientId, clientId)
	for i, id := range ol.order {
		if id == clientId {
			ol.order = append(ol.order[:i], ol.order[i+1:]...)
			break
		}
	}
	if len(ol.order) == 0 {
		delete(c.optimistic, roomId)
	}
}

// Messages lists the confirmed messages of roomId oldest first, followed by
// unconfirmed ones in the order they were sent.
func (c *Cache) Messages(roomId string) []types.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []types.Message
	if rm, ok := c.messages[roomId]; ok {
		for _, id := range rm.ids {
			out = append(out, rm.byId[id].Clone())
		}
	}
	if ol, ok := c.optimistic[roomId]; ok {
		for _, cid := range ol.order {
			out = append(out, ol.byClientId[cid].Clone())
		}
	}
	return out
}

func (c *Cache) Message(id int64) (types.Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	roomId, ok := c.index[id]
	if !ok {
		return types.Message{}, false
	}
	return c.messages[roomId].byId[id].Clone(), true
}
