// Package registry tracks which channels currently have a running chat session.
// It is the single source of truth for "is this channel already being scraped".
package registry

import (
	"sort"
	"sync"
	"time"
)

// Entry is a read-only view of one registered channel.
type Entry struct {
	ChannelID  string    `json:"channel_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Registry is a concurrency-safe set of channel ids. The zero value is not usable; use New.
type Registry struct {
	mu  sync.Mutex
	ids map[string]time.Time
	now func() time.Time
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{ids: make(map[string]time.Time), now: time.Now}
}

// TryAcquire atomically inserts channelID. It returns true if the id was newly
// inserted and false if another session already owns it.
func (r *Registry) TryAcquire(channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[channelID]; ok {
		return false
	}
	r.ids[channelID] = r.now().UTC()
	return true
}

// Release removes channelID. Releasing an absent id is a no-op.
func (r *Registry) Release(channelID string) {
	r.mu.Lock()
	delete(r.ids, channelID)
	r.mu.Unlock()
}

// Contains reports whether channelID is registered.
func (r *Registry) Contains(channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.ids[channelID]
	return ok
}

// Len returns the number of registered channels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

// Snapshot returns the registered channels ordered by acquisition time.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	out := make([]Entry, 0, len(r.ids))
	for id, at := range r.ids {
		out = append(out, Entry{ChannelID: id, AcquiredAt: at})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].AcquiredAt.Equal(out[j].AcquiredAt) {
			return out[i].ChannelID < out[j].ChannelID
		}
		return out[i].AcquiredAt.Before(out[j].AcquiredAt)
	})
	return out
}
