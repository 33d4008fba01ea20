package main

import (
	"fmt"
	"sort"
	"sync"
)

// memCache is an in-memory state cache keyed by channel and field name.
type memCache struct {
	mu     sync.RWMutex
	fields map[int]map[string]any
}

func newMemCache() *memCache {
	return &memCache{fields: make(map[int]map[string]any)}
}

func (c *memCache) SetField(channel int, key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.fields[channel]
	if !ok {
		m = make(map[string]any)
		c.fields[channel] = m
	}
	m[key] = value
}

// Lines renders the cache as sorted "channel field value" rows.
func (c *memCache) Lines() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	channels := make([]int, 0, len(c.fields))
	for ch := range c.fields {
		channels = append(channels, ch)
	}
	sort.Ints(channels)

	var lines []string
	for _, ch := range channels {
		keys := make([]string, 0, len(c.fields[ch]))
		for k := range c.fields[ch] {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			lines = append(lines, fmt.Sprintf("channel %d  %-24s %v", ch, k, c.fields[ch][k]))
		}
	}
	return lines
}
