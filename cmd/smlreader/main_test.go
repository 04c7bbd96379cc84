package main

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/sweeney/smlreader/internal/channel"
	"github.com/sweeney/smlreader/internal/config"
	"github.com/sweeney/smlreader/internal/frame"
	"github.com/sweeney/smlreader/internal/gpio"
	"github.com/sweeney/smlreader/internal/mqtt"
	"github.com/sweeney/smlreader/internal/pulse"
	"github.com/sweeney/smlreader/internal/serial"
	"github.com/sweeney/smlreader/internal/status"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeClock returns a function that yields start, start+step, start+2*step, ...
// on successive calls. Only called from runLoop's goroutine.
func fakeClock(start time.Time, step time.Duration) func() time.Time {
	n := 0
	return func() time.Time {
		t := start.Add(time.Duration(n) * step)
		n++
		return t
	}
}

// smlFrame wraps body in markers and a trailer with a valid checksum.
func smlFrame(body ...byte) []byte {
	f := append([]byte{}, frame.StartMarker...)
	f = append(f, body...)
	f = append(f, frame.EndMarker...)
	f = append(f, 0x00)
	sum := make([]byte, 2)
	binary.LittleEndian.PutUint16(sum, frame.Checksum(f))
	return append(f, sum...)
}

type rig struct {
	ch  *channel.Channel
	src *serial.FakeSource
	out *gpio.FakeWriter
}

func newRig(t *testing.T, id string, mode pulse.Mode) rig {
	t.Helper()
	cc := config.DefaultChannel(id)
	cc.S0Mode = string(mode)
	src := serial.NewFakeSource()
	out := gpio.NewFakeWriter()
	ch, err := channel.New(cc.Channel(), src, out, nil, t0)
	if err != nil {
		t.Fatalf("channel.New: %v", err)
	}
	return rig{ch: ch, src: src, out: out}
}

// loopInput is one step fed to runLoop: a tick, or a reading when set.
type loopInput struct {
	reading *mqtt.ReadingMessage
}

func tickInput() loopInput { return loopInput{} }

func readingInput(id string, w float64) loopInput {
	return loopInput{reading: &mqtt.ReadingMessage{Channel: id, PowerW: w}}
}

func ticks(n int) []loopInput {
	return make([]loopInput, n)
}

// loopPublisher is what runLoop needs from the broker side.
type loopPublisher interface {
	mqtt.Publisher
	mqtt.ConnectionStatus
}

// runRunLoop drives runLoop with inputs followed by signal. Each input must
// be accepted within a second or the loop is considered stalled.
func runRunLoop(t *testing.T, channels []*channel.Channel, pub loopPublisher, tracker *status.Tracker, heartbeat time.Duration, clock func() time.Time, inputs []loopInput, signal os.Signal) error {
	t.Helper()
	tick := make(chan time.Time)
	readings := make(chan mqtt.ReadingMessage)
	sig := make(chan os.Signal, 1)

	errCh := make(chan error, 1)
	go func() {
		errCh <- runLoop(channels, pub, pub, tracker, heartbeat, clock, tick, readings, sig)
	}()

	for i, in := range inputs {
		if in.reading != nil {
			select {
			case readings <- *in.reading:
			case <-time.After(time.Second):
				t.Fatalf("runLoop stalled before input %d", i)
			}
		} else {
			select {
			case tick <- time.Time{}:
			case <-time.After(time.Second):
				t.Fatalf("runLoop stalled before input %d", i)
			}
		}
	}
	sig <- signal

	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("runLoop did not return")
		return nil
	}
}

func TestRunLoopShutdownSignals(t *testing.T) {
	tests := []struct {
		sig    os.Signal
		reason string
	}{
		{syscall.SIGTERM, "SIGTERM"},
		{syscall.SIGINT, "SIGINT"},
		{syscall.SIGHUP, "UNKNOWN"},
	}
	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			r := newRig(t, "1", pulse.ModeDraw)
			pub := mqtt.NewFakePublisher()
			tracker := status.NewTracker(t0, status.Config{})

			err := runRunLoop(t, []*channel.Channel{r.ch}, pub, tracker, 0, fakeClock(t0, time.Millisecond), nil, tt.sig)
			if err != nil {
				t.Fatalf("runLoop returned error: %v", err)
			}
			if len(pub.SystemEvents) != 1 {
				t.Fatalf("expected 1 system event, got %d", len(pub.SystemEvents))
			}
			ev := pub.SystemEvents[0]
			if ev.Event != "SHUTDOWN" || ev.Reason != tt.reason || !ev.Retained {
				t.Errorf("unexpected shutdown event: %+v", ev)
			}

			var parsed status.StatusJSON
			if err := json.Unmarshal(pub.SystemPayloads[0], &parsed); err != nil {
				t.Fatalf("invalid JSON: %v", err)
			}
			if parsed.Status.Event != "SHUTDOWN" || parsed.Status.Reason != tt.reason {
				t.Errorf("payload: %+v", parsed.Status)
			}
			if len(parsed.Status.Channels) != 1 || parsed.Status.Channels[0].ID != "1" {
				t.Errorf("payload channels: %+v", parsed.Status.Channels)
			}
		})
	}
}

func TestRunLoopPublishesFrames(t *testing.T) {
	r := newRig(t, "1", pulse.ModeDraw)
	r.src.Write(smlFrame(0x01, 0x02))
	r.src.Write(smlFrame(0x03, 0x04))
	pub := mqtt.NewFakePublisher()

	err := runRunLoop(t, []*channel.Channel{r.ch}, pub, nil, 0, fakeClock(t0, time.Millisecond), ticks(3), syscall.SIGTERM)
	if err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	frames := pub.EventsOfType(channel.EventFrameReady)
	if len(frames) != 2 {
		t.Fatalf("expected 2 FRAME_READY, got %d", len(frames))
	}
	if frames[0].Channel != "1" || len(frames[0].Frame) != 8+2+8 {
		t.Errorf("unexpected frame event: %+v", frames[0])
	}
}

func TestRunLoopReadingDrivesPulses(t *testing.T) {
	r := newRig(t, "1", pulse.ModeDraw)
	pub := mqtt.NewFakePublisher()

	// Clock calls: loop start, reading at +1s, then ticks at +2s..+11s.
	// 526 W at 1000/kWh idles 6.782s from t0, so one pulse starts at +7s
	// and ends at +8s.
	inputs := append([]loopInput{readingInput("1", 526)}, ticks(10)...)
	err := runRunLoop(t, []*channel.Channel{r.ch}, pub, nil, 0, fakeClock(t0, time.Second), inputs, syscall.SIGTERM)
	if err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	retargets := pub.EventsOfType(channel.EventPulseRetargeted)
	if len(retargets) != 1 {
		t.Fatalf("expected 1 PULSE_RETARGETED, got %d", len(retargets))
	}
	if retargets[0].Idle != 6782*time.Millisecond || retargets[0].PowerW != 526 {
		t.Errorf("retarget: %+v", retargets[0])
	}
	if got := r.out.Pulses(); got != 1 {
		t.Errorf("pulses = %d, want 1", got)
	}
	if r.out.Level() {
		t.Error("output should be low after the pulse")
	}
}

// A broker that never acknowledges must not hold up the tick loop.
func TestRunLoopStalledBrokerKeepsPulseWidth(t *testing.T) {
	r := newRig(t, "1", pulse.ModeDraw)
	r.src.Write(smlFrame(0x01, 0x02))
	sender := mqtt.NewFakeSender()
	sender.Hold()
	pub := mqtt.NewAsyncPublisher(sender, 0)

	// Same timeline as TestRunLoopReadingDrivesPulses, with every publish
	// stuck behind the first send.
	inputs := append([]loopInput{readingInput("1", 526)}, ticks(10)...)
	err := runRunLoop(t, []*channel.Channel{r.ch}, pub, nil, 0, fakeClock(t0, time.Second), inputs, syscall.SIGTERM)
	if err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	if got := r.out.Pulses(); got != 1 {
		t.Errorf("pulses = %d, want 1", got)
	}
	if r.out.Level() {
		t.Error("output should be low after the pulse")
	}
	if len(sender.Sent()) != 0 {
		t.Errorf("sent %d messages while held", len(sender.Sent()))
	}

	sender.Release()
	pub.Close()
	sent := sender.Sent()
	if len(sent) < 3 {
		t.Fatalf("sent %d messages, want retarget, frame and shutdown", len(sent))
	}
	var last struct {
		System struct{ Event string } `json:"system"`
	}
	if m := sent[len(sent)-1]; m.Topic != mqtt.TopicSystem || json.Unmarshal(m.Payload, &last) != nil || last.System.Event != "SHUTDOWN" {
		t.Errorf("last message: %s %s", m.Topic, m.Payload)
	}
}

func TestRunLoopUnknownChannelReadingIgnored(t *testing.T) {
	r := newRig(t, "1", pulse.ModeDraw)
	pub := mqtt.NewFakePublisher()

	inputs := []loopInput{readingInput("9", 1000), tickInput()}
	err := runRunLoop(t, []*channel.Channel{r.ch}, pub, nil, 0, fakeClock(t0, time.Millisecond), inputs, syscall.SIGTERM)
	if err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	if n := len(pub.EventsOfType(channel.EventPulseRetargeted)); n != 0 {
		t.Errorf("expected no retarget, got %d", n)
	}
}

func TestRunLoopRoutesReadingsByChannel(t *testing.T) {
	draw := newRig(t, "grid", pulse.ModeDraw)
	feed := newRig(t, "pv", pulse.ModeFeedIn)
	pub := mqtt.NewFakePublisher()
	tracker := status.NewTracker(t0, status.Config{})

	inputs := []loopInput{readingInput("pv", -800), readingInput("grid", 0), tickInput()}
	err := runRunLoop(t, []*channel.Channel{draw.ch, feed.ch}, pub, tracker, 0, fakeClock(t0, time.Millisecond), inputs, syscall.SIGTERM)
	if err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	retargets := pub.EventsOfType(channel.EventPulseRetargeted)
	if len(retargets) != 2 {
		t.Fatalf("expected 2 retargets, got %d", len(retargets))
	}
	if retargets[0].Channel != "pv" || retargets[0].Err != nil {
		t.Errorf("pv retarget: %+v", retargets[0])
	}
	if retargets[1].Channel != "grid" || !errors.Is(retargets[1].Err, pulse.ErrDegenerateRate) {
		t.Errorf("grid retarget: %+v", retargets[1])
	}

	snap := tracker.Snapshot(t0)
	if len(snap.Channels) != 2 {
		t.Fatalf("tracker channels: %+v", snap.Channels)
	}
	if c := snap.Channels[0]; c.ID != "grid" || c.Counts.Degenerate != 1 {
		t.Errorf("grid status: %+v", c)
	}
	if c := snap.Channels[1]; c.ID != "pv" || c.Counts.LastPowerW != -800 {
		t.Errorf("pv status: %+v", c)
	}
}

func TestRunLoopHeartbeat(t *testing.T) {
	r := newRig(t, "1", pulse.ModeDraw)
	pub := mqtt.NewFakePublisher()
	pub.Connected = true
	tracker := status.NewTracker(t0, status.Config{HeartbeatMs: (15 * time.Minute).Milliseconds()})

	// Loop start at t0, ticks at +5m, +10m, +15m, +20m: one heartbeat at +15m.
	err := runRunLoop(t, []*channel.Channel{r.ch}, pub, tracker, 15*time.Minute, fakeClock(t0, 5*time.Minute), ticks(4), syscall.SIGTERM)
	if err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	var heartbeats []int
	for i, se := range pub.SystemEvents {
		if se.Event == "HEARTBEAT" {
			heartbeats = append(heartbeats, i)
		}
	}
	if len(heartbeats) != 1 {
		t.Fatalf("expected 1 HEARTBEAT, got %d (%v)", len(heartbeats), pub.SystemEventNames())
	}

	var parsed status.StatusJSON
	if err := json.Unmarshal(pub.SystemPayloads[heartbeats[0]], &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if parsed.Status.UptimeSeconds != 900 {
		t.Errorf("uptime = %d, want 900", parsed.Status.UptimeSeconds)
	}
	if !parsed.Status.MQTT.Connected {
		t.Error("expected mqtt connected in heartbeat")
	}
}

func TestRunLoopHeartbeatDisabled(t *testing.T) {
	r := newRig(t, "1", pulse.ModeDraw)
	pub := mqtt.NewFakePublisher()

	err := runRunLoop(t, []*channel.Channel{r.ch}, pub, nil, 0, fakeClock(t0, time.Hour), ticks(5), syscall.SIGTERM)
	if err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	for _, name := range pub.SystemEventNames() {
		if name == "HEARTBEAT" {
			t.Fatal("heartbeat published while disabled")
		}
	}
}

func TestRunLoopPublishError(t *testing.T) {
	r := newRig(t, "1", pulse.ModeDraw)
	r.src.Write(smlFrame(0x01))
	pub := mqtt.NewFakePublisher()
	pub.PublishError = errors.New("broker gone")

	err := runRunLoop(t, []*channel.Channel{r.ch}, pub, nil, 0, fakeClock(t0, time.Millisecond), ticks(3), syscall.SIGTERM)
	if err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	if len(pub.SystemEvents) != 1 || pub.SystemEvents[0].Event != "SHUTDOWN" {
		t.Errorf("loop did not survive publish errors: %v", pub.SystemEventNames())
	}
	if n := r.ch.Counts().Frames; n != 1 {
		t.Errorf("frames = %d, want 1", n)
	}
}

func TestRunLoopTimeoutEvent(t *testing.T) {
	r := newRig(t, "1", pulse.ModeDraw)
	full := smlFrame(0x01, 0x02, 0x03)
	r.src.Write(full[:12])
	pub := mqtt.NewFakePublisher()

	// Default read timeout is 30s; the body starts on the first tick
	// and the third tick lands 40s later.
	err := runRunLoop(t, []*channel.Channel{r.ch}, pub, nil, 0, fakeClock(t0, 20*time.Second), ticks(3), syscall.SIGTERM)
	if err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	timeouts := pub.EventsOfType(channel.EventFrameTimeout)
	if len(timeouts) != 1 {
		t.Fatalf("expected 1 FRAME_TIMEOUT, got %d", len(timeouts))
	}
	if timeouts[0].State != frame.StateReadingBody {
		t.Errorf("state = %v, want READING_BODY", timeouts[0].State)
	}
}

func TestOverridesApply(t *testing.T) {
	cfg := config.Default()
	o := overrides{
		broker:    "tcp://other:1883",
		poll:      5 * time.Millisecond,
		heartbeat: 0,
		set:       map[string]bool{"broker": true, "heartbeat": true},
	}
	o.apply(cfg)

	if cfg.Broker != "tcp://other:1883" {
		t.Errorf("broker = %q", cfg.Broker)
	}
	if cfg.HeartbeatSeconds != 0 {
		t.Errorf("heartbeat = %d, want 0", cfg.HeartbeatSeconds)
	}
	if cfg.PollMs != 1 {
		t.Errorf("poll overridden without the flag: %d", cfg.PollMs)
	}
}
