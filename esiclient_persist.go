package esiclient

import (
	"encoding/json"

	"github.com/99souls/esiclient/cache"
	"github.com/99souls/esiclient/persist"
	"github.com/99souls/esiclient/ratelimit"
)

const cacheFileVersion = 1

func (c *Client) loadCache() error {
	var file persist.CacheFile
	found, err := persist.ReadJSON(c.cachePath, &file)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	entries := make(map[string]cache.Entry, len(file.Entries))
	for _, e := range file.Entries {
		entries[e.Key] = cache.Entry{Data: []byte(e.Entry.Data), ETag: e.Entry.ETag, ExpiresAt: e.Entry.Expires}
	}
	c.cache.Restore(entries)
	return nil
}

func (c *Client) saveCache() error {
	snap := c.cache.Snapshot()
	now := c.clock.NowMs()
	file := persist.CacheFile{Version: cacheFileVersion, Entries: make([]persist.CacheFileEntry, 0, len(snap))}
	for key, entry := range snap {
		if entry.ExpiresAt <= now {
			continue
		}
		file.Entries = append(file.Entries, persist.CacheFileEntry{
			Key: key,
			Entry: persist.CacheEntryJSON{
				Data:    json.RawMessage(entry.Data),
				ETag:    entry.ETag,
				Expires: entry.ExpiresAt,
			},
		})
	}
	return persist.AtomicWriteJSON(c.cachePath, file)
}

func (c *Client) loadRateLimit() error {
	raw := map[string]persist.RateLimitStateJSON{}
	found, err := persist.ReadJSON(c.ratelimitPath, &raw)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	states := make(map[string]ratelimit.GroupState, len(raw))
	for key, s := range raw {
		states[key] = ratelimit.GroupState{Remaining: s.Remaining, Limit: s.Limit, WindowMs: s.WindowMs, WindowStart: s.WindowStart}
	}
	c.tracker.Restore(states)
	return nil
}

func (c *Client) saveRateLimit() error {
	states := c.tracker.Export()
	raw := make(map[string]persist.RateLimitStateJSON, len(states))
	for key, s := range states {
		raw[key] = persist.RateLimitStateJSON{Remaining: s.Remaining, Limit: s.Limit, WindowMs: s.WindowMs, WindowStart: s.WindowStart}
	}
	return persist.AtomicWriteJSON(c.ratelimitPath, raw)
}
