package cache

import "github.com/npezzotti/roomsync/internal/types"

// SetActiveRoom makes roomId the room whose history is being loaded and
// returns the new generation. Pages requested under an older generation are
// discarded by MergePage.
func (c *Cache) SetActiveRoom(roomId string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation++
	c.active = roomId
	c.history[roomId] = &history{}
	return c.generation
}

func (c *Cache) ActiveRoom() (string, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active, c.generation
}

// MergePage merges one history page for roomId. It reports false without
// touching the cache when gen is no longer current.
func (c *Cache) MergePage(roomId string, gen uint64, page types.MessagePage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation || roomId != c.active {
		return false
	}

	for _, msg := range page.Messages {
		c.mergeLocked(msg)
	}

	h, ok := c.history[roomId]
	if !ok {
		h = &history{}
		c.history[roomId] = h
	}
	h.nextCursor = page.NextCursor
	h.loaded = true
	return true
}

// NextCursor returns the cursor of the next older page of roomId.
func (c *Cache) NextCursor(roomId string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if h, ok := c.history[roomId]; ok {
		return h.nextCursor
	}
	return ""
}

// HasMore reports whether older history of roomId remains to be loaded.
func (c *Cache) HasMore(roomId string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	h, ok := c.history[roomId]
	if !ok || !h.loaded {
		return true
	}
	return h.nextCursor != ""
}
