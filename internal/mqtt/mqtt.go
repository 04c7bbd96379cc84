// Package mqtt publishes channel and system events and receives externally
// decoded power readings. The Publisher interface keeps the broker out of
// the control loop so it can be faked in tests.
package mqtt

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/sweeney/smlreader/internal/channel"
)

// TopicPrefix is the root of every topic this program uses.
const TopicPrefix = "energy/smlreader"

// TopicSystem is the topic for system lifecycle events.
const TopicSystem = TopicPrefix + "/system"

// EventTopic returns the topic for a channel's events.
func EventTopic(channelID string) string {
	return TopicPrefix + "/" + channelID + "/events"
}

// PowerTopic returns the topic a channel's readings arrive on.
func PowerTopic(channelID string) string {
	return TopicPrefix + "/" + channelID + "/power"
}

// Publisher publishes events to MQTT.
type Publisher interface {
	// Publish sends a channel event. Errors must not stop the control loop.
	Publish(event channel.Event) error

	// PublishSystem sends a system lifecycle event.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent is a lifecycle event: STARTUP, HEARTBEAT, SHUTDOWN, RECONNECTED.
type SystemEvent struct {
	Timestamp time.Time
	Event     string
	Reason    string // shutdown only, e.g. "SIGTERM"
	// RawPayload, if set, is published as is (status snapshots).
	RawPayload []byte
	Retained   bool
}

// Payload is the JSON body of a channel event.
type Payload struct {
	SML EventPayload `json:"sml"`
}

// EventPayload holds the fields of a channel event. Only the fields that
// apply to the event type are set.
type EventPayload struct {
	Timestamp string   `json:"timestamp"`
	Channel   string   `json:"channel"`
	Event     string   `json:"event"`
	State     string   `json:"state,omitempty"`
	Frame     string   `json:"frame,omitempty"`
	PowerW    *float64 `json:"power_w,omitempty"`
	IdleMs    *int64   `json:"idle_ms,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// FormatPayload creates the JSON payload for a channel event.
func FormatPayload(event channel.Event) ([]byte, error) {
	p := EventPayload{
		Timestamp: event.Timestamp.UTC().Format(time.RFC3339Nano),
		Channel:   event.Channel,
		Event:     string(event.Type),
	}
	switch event.Type {
	case channel.EventFrameReady:
		p.Frame = hex.EncodeToString(event.Frame)
	case channel.EventFrameTimeout, channel.EventFrameOverflow:
		p.State = event.State.String()
	case channel.EventPulseRetargeted:
		power := event.PowerW
		idle := event.Idle.Milliseconds()
		p.PowerW = &power
		p.IdleMs = &idle
	}
	if event.Err != nil {
		p.Error = event.Err.Error()
	}
	return json.Marshal(Payload{SML: p})
}

// SystemPayload is the JSON body of a simple system event.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// A set RawPayload is returned unchanged.
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}
	return json.Marshal(SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	})
}
