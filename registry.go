package peerlink

import (
	"github.com/ayatori/peerlink/engine"
	"github.com/ayatori/peerlink/internal/util"
)

// channelState tracks a registered data channel's lifecycle.
type channelState int

const (
	channelConnecting channelState = iota
	channelOpen
)

// dataChannelEntry is one registered data channel, uniquely keyed by label.
type dataChannelEntry struct {
	label  string
	handle engine.DataChannel
	state  channelState
}

// registry tracks the data channels of one Connection. It is a plain map
// helper: all access happens under the Connection mutex.
type registry struct {
	entries map[string]*dataChannelEntry
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*dataChannelEntry)}
}

func (r *registry) get(label string) (*dataChannelEntry, bool) {
	entry, ok := r.entries[label]
	return entry, ok
}

// put registers an entry, replacing any stale entry with the same label
// (channels are recreated during renegotiation). The displaced handle is
// closed so it does not linger on the engine.
func (r *registry) put(entry *dataChannelEntry) {
	if old, ok := r.entries[entry.label]; ok {
		if err := old.handle.Close(); err != nil {
			util.LogWarning("failed to close replaced data channel %q: %v",
				entry.label, err)
		}
	} else {
		util.Stats.AddChannel()
	}
	r.entries[entry.label] = entry
}

// remove drops the entry for label, but only while it still holds the given
// handle: events from a replaced handle must not evict its successor.
func (r *registry) remove(label string, handle engine.DataChannel) bool {
	entry, ok := r.entries[label]
	if !ok || entry.handle != handle {
		return false
	}
	delete(r.entries, label)
	util.Stats.RemoveChannel()
	return true
}

func (r *registry) len() int { return len(r.entries) }

// clear closes and removes every entry. Close failures are reported through
// warn and otherwise ignored.
func (r *registry) clear(warn func(label string, err error)) {
	for label, entry := range r.entries {
		if err := entry.handle.Close(); err != nil {
			warn(label, err)
		}
		delete(r.entries, label)
		util.Stats.RemoveChannel()
	}
}
