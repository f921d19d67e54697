package cache

import "github.com/npezzotti/roomsync/internal/types"

type snapshotKind int

const (
	snapshotRoom snapshotKind = iota + 1
	snapshotMessage
	snapshotOptimistic
)

// Snapshot is a copy of the part of the cache one mutation touches.
type Snapshot struct {
	kind snapshotKind

	roomId   string
	room     types.Room
	hasRoom  bool
	joined   bool
	msgId    int64
	message  types.Message
	hasEntry bool
	clientId string
}

func (c *Cache) CaptureRoom(roomId string) Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{kind: snapshotRoom, roomId: roomId}
	s.room, s.hasRoom = c.rooms[roomId]
	_, s.joined = c.joined[roomId]
	return s
}

func (c *Cache) CaptureMessage(id int64) Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{kind: snapshotMessage, msgId: id}
	if roomId, ok := c.index[id]; ok {
		s.roomId = roomId
		s.message = c.messages[roomId].byId[id].Clone()
		s.hasEntry = true
	}
	return s
}

func (c *Cache) CaptureOptimistic(roomId, clientId string) Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{kind: snapshotOptimistic, roomId: roomId, clientId: clientId}
	if ol, ok := c.optimistic[roomId]; ok {
		s.message, s.hasEntry = ol.byClientId[clientId]
		s.message = s.message.Clone()
	}
	return s
}

// Restore puts the captured part of the cache back exactly as it was.
func (c *Cache) Restore(s Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch s.kind {
	case snapshotRoom:
		if s.hasRoom {
			if _, ok := c.rooms[s.roomId]; !ok {
				c.order = append(c.order, s.roomId)
			}
			c.rooms[s.roomId] = s.room
		}
		if s.joined {
			c.joined[s.roomId] = struct{}{}
		} else {
			delete(c.joined, s.roomId)
		}
	case snapshotMessage:
		if !s.hasEntry {
			c.removeMessageLocked(s.msgId)
			return
		}
		if _, ok := c.index[s.msgId]; !ok {
			c.mergeLocked(s.message)
			return
		}
		c.messages[s.roomId].byId[s.msgId] = s.message.Clone()
	case snapshotOptimistic:
		if s.hasEntry {
			c.addOptimisticLocked(s.message)
		} else {
			c.removeOptimisticLocked(s.roomId, s.clientId)
		}
	}
}

func (c *Cache) removeMessageLocked(id int64) {
	roomId, ok := c.index[id]
	if !ok {
		return
	}
	delete(c.index, id)
	rm := c.messages[roomId]
	delete(rm.byId, id)
	for i, mid := range rm.ids {
		if mid == id {
			rm.ids = append(rm.ids[:i], rm.ids[i+1:]...)
			break
		}
	}
}
