package client

import (
	"sync"

	"github.com/lumenchat/lumen/internal/chat"
	"github.com/lumenchat/lumen/internal/wire"
)

type chatKey struct {
	chatID string
	userID string
}

// Cache holds chat payloads and chat lists read through the API. It is an
// explicit service: consumers subscribe for invalidation and decide
// themselves when to refetch.
type Cache struct {
	mu    sync.Mutex
	chats map[chatKey]*wire.ChatPayload
	lists map[string][]chat.Summary

	subs    map[int]func(userID string)
	nextSub int
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		chats: make(map[chatKey]*wire.ChatPayload),
		lists: make(map[string][]chat.Summary),
		subs:  make(map[int]func(string)),
	}
}

// GetChat returns the cached payload for (chatID, userID), if present.
func (c *Cache) GetChat(chatID, userID string) (*wire.ChatPayload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	payload, ok := c.chats[chatKey{chatID, userID}]
	return payload, ok
}

// SetChat stores a chat payload.
func (c *Cache) SetChat(chatID, userID string, payload *wire.ChatPayload) {
	c.mu.Lock()
	c.chats[chatKey{chatID, userID}] = payload
	c.mu.Unlock()
}

// GetList returns the cached chat list for a user, if present.
func (c *Cache) GetList(userID string) ([]chat.Summary, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list, ok := c.lists[userID]
	return list, ok
}

// SetList stores a user's chat list.
func (c *Cache) SetList(userID string, list []chat.Summary) {
	c.mu.Lock()
	c.lists[userID] = list
	c.mu.Unlock()
}

// Subscribe registers fn to run when a user's entries are invalidated. The
// returned function unsubscribes.
func (c *Cache) Subscribe(fn func(userID string)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// InvalidateUser drops every entry for the user and notifies subscribers.
// Fire-and-forget: callers never wait on refetches.
func (c *Cache) InvalidateUser(userID string) {
	c.mu.Lock()
	for key := range c.chats {
		if key.userID == userID {
			delete(c.chats, key)
		}
	}
	delete(c.lists, userID)
	subs := make([]func(string), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		go fn(userID)
	}
}
