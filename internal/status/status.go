// Package status keeps a thread-safe view of the daemon for heartbeat and
// lifecycle events.
package status

import (
	"sort"
	"sync"
	"time"

	"github.com/sweeney/smlreader/internal/channel"
)

// Config contains daemon configuration for display.
type Config struct {
	PollMs      int64
	HeartbeatMs int64
	Broker      string
}

// ChannelStatus is one channel's counters at snapshot time.
type ChannelStatus struct {
	ID     string
	Device string
	Mode   string
	Counts channel.Counts
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type and safe to use after the lock is released.
type Snapshot struct {
	Channels      []ChannelStatus
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu        sync.RWMutex
	start     time.Time
	cfg       Config
	connected bool
	channels  map[string]ChannelStatus
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		start:    startTime,
		cfg:      cfg,
		channels: make(map[string]ChannelStatus),
	}
}

// Register adds a channel so it shows up before its first update.
func (t *Tracker) Register(id, device, mode string) {
	t.mu.Lock()
	t.channels[id] = ChannelStatus{ID: id, Device: device, Mode: mode}
	t.mu.Unlock()
}

// Update stores a channel's counters. Called from runLoop.
func (t *Tracker) Update(id string, counts channel.Counts) {
	t.mu.Lock()
	cs := t.channels[id]
	cs.ID = id
	cs.Counts = counts
	t.channels[id] = cs
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.connected = connected
	t.mu.Unlock()
}

// Snapshot returns a copy of the daemon state as of now. Channels are
// ordered by id.
func (t *Tracker) Snapshot(now time.Time) Snapshot {
	t.mu.RLock()
	s := Snapshot{
		Channels:      make([]ChannelStatus, 0, len(t.channels)),
		StartTime:     t.start,
		Now:           now,
		MQTTConnected: t.connected,
		Config:        t.cfg,
	}
	for _, cs := range t.channels {
		s.Channels = append(s.Channels, cs)
	}
	t.mu.RUnlock()

	sort.Slice(s.Channels, func(i, j int) bool { return s.Channels[i].ID < s.Channels[j].ID })
	return s
}
