package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string        `json:"event,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	StartTime     string        `json:"start_time"`
	Timestamp     string        `json:"timestamp"`
	MQTT          MQTTStatus    `json:"mqtt"`
	Channels      []ChannelJSON `json:"channels"`
	Config        ConfigJSON    `json:"config"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// ChannelJSON is the JSON representation of one channel.
type ChannelJSON struct {
	ID     string     `json:"id"`
	Device string     `json:"device,omitempty"`
	State  string     `json:"state"`
	S0     S0JSON     `json:"s0"`
	Counts CountsJSON `json:"event_counts"`
}

// S0JSON describes the pulse output.
type S0JSON struct {
	Mode   string   `json:"mode"`
	Phase  string   `json:"phase,omitempty"`
	IdleMs int64    `json:"idle_ms"`
	Pulses uint64   `json:"pulses"`
	PowerW *float64 `json:"power_w,omitempty"`
}

// CountsJSON is the JSON representation of channel event counts.
type CountsJSON struct {
	Frames       int `json:"frames"`
	Timeouts     int `json:"timeouts"`
	Overflows    int `json:"overflows"`
	DecodeFailed int `json:"decode_failed"`
	Retargets    int `json:"retargets"`
	Degenerate   int `json:"degenerate"`
	OutputFailed int `json:"output_failed"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	PollMs      int64  `json:"poll_ms"`
	HeartbeatMs int64  `json:"heartbeat_ms"`
	Broker      string `json:"broker"`
}

func buildChannel(cs ChannelStatus) ChannelJSON {
	c := cs.Counts
	state := c.State
	if state == "" {
		state = "UNKNOWN"
	}
	out := ChannelJSON{
		ID:     cs.ID,
		Device: cs.Device,
		State:  state,
		S0: S0JSON{
			Mode:   cs.Mode,
			Phase:  c.Phase,
			IdleMs: c.IdleMs,
			Pulses: c.Pulses,
		},
		Counts: CountsJSON{
			Frames:       c.Frames,
			Timeouts:     c.Timeouts,
			Overflows:    c.Overflows,
			DecodeFailed: c.DecodeFailed,
			Retargets:    c.Retargets,
			Degenerate:   c.Degenerate,
			OutputFailed: c.OutputFailed,
		},
	}
	if c.HaveReading {
		p := c.LastPowerW
		out.S0.PowerW = &p
	}
	return out
}

func buildInner(snap Snapshot) StatusInner {
	channels := make([]ChannelJSON, 0, len(snap.Channels))
	for _, cs := range snap.Channels {
		channels = append(channels, buildChannel(cs))
	}
	return StatusInner{
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Channels:      channels,
		Config: ConfigJSON{
			PollMs:      snap.Config.PollMs,
			HeartbeatMs: snap.Config.HeartbeatMs,
			Broker:      snap.Config.Broker,
		},
	}
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
