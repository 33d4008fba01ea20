package poll

import (
	"fmt"
	"sync"
)

// OneShotCache tracks commands with physical side effects that have
// already executed on this connection. Cleared when the connection is
// replaced.
type OneShotCache struct {
	mu   sync.Mutex
	done map[string]struct{}
}

// NewOneShotCache creates an empty one-shot cache.
func NewOneShotCache() *OneShotCache {
	return &OneShotCache{done: make(map[string]struct{})}
}

func oneShotKey(name string, channel int) string {
	return fmt.Sprintf("%s/%d", name, channel)
}

// Executed reports whether the command already ran for the channel.
func (c *OneShotCache) Executed(name string, channel int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.done[oneShotKey(name, channel)]
	return ok
}

// MarkExecuted records that the command ran for the channel. Returns
// false if it was already recorded, so exactly one caller wins a race.
func (c *OneShotCache) MarkExecuted(name string, channel int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := oneShotKey(name, channel)
	if _, ok := c.done[key]; ok {
		return false
	}
	c.done[key] = struct{}{}
	return true
}

// Reset clears the cache. Called when a new connection is established.
func (c *OneShotCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.done = make(map[string]struct{})
}
