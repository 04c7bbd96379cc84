package mqtt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ReadingMessage is a power reading received from an external decoder.
type ReadingMessage struct {
	Channel string
	PowerW  float64
}

type readingPayload struct {
	PowerW *float64 `json:"power_w"`
}

// ParseReading extracts the channel id from a power topic and the reading
// from its payload. The payload is either {"power_w": 123.4} or a bare number.
func ParseReading(topic string, payload []byte) (ReadingMessage, error) {
	id, ok := channelFromTopic(topic)
	if !ok {
		return ReadingMessage{}, fmt.Errorf("mqtt: not a power topic: %q", topic)
	}

	body := bytes.TrimSpace(payload)
	if len(body) == 0 {
		return ReadingMessage{}, fmt.Errorf("mqtt: empty reading on %s", topic)
	}

	if body[0] == '{' {
		var p readingPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return ReadingMessage{}, fmt.Errorf("mqtt: reading on %s: %w", topic, err)
		}
		if p.PowerW == nil {
			return ReadingMessage{}, fmt.Errorf("mqtt: reading on %s has no power_w", topic)
		}
		return ReadingMessage{Channel: id, PowerW: *p.PowerW}, nil
	}

	v, err := strconv.ParseFloat(string(body), 64)
	if err != nil {
		return ReadingMessage{}, fmt.Errorf("mqtt: reading on %s: %w", topic, err)
	}
	return ReadingMessage{Channel: id, PowerW: v}, nil
}

// channelFromTopic returns <id> from energy/smlreader/<id>/power.
func channelFromTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, TopicPrefix+"/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/power")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
