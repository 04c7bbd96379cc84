// Command smlreader captures SML frames from serial smart meters, publishes
// them to MQTT and drives one S0 pulse output per meter.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
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

// readingQueue is how many externally decoded readings may wait for the loop.
const readingQueue = 64

// overrides carries the flags that replace values from the config file.
type overrides struct {
	broker    string
	poll      time.Duration
	heartbeat time.Duration
	set       map[string]bool
}

func main() {
	configPath := flag.String("config", config.DefaultPath, "Path to the TOML config (created with defaults if missing)")
	broker := flag.String("broker", "", "MQTT broker address (overrides config)")
	poll := flag.Duration("poll", time.Millisecond, "Control loop interval (overrides config)")
	heartbeat := flag.Duration("heartbeat", 15*time.Minute, "Heartbeat interval, 0 to disable (overrides config)")
	printConfig := flag.Bool("print-config", false, "Print the effective config and exit")

	flag.Parse()

	o := overrides{broker: *broker, poll: *poll, heartbeat: *heartbeat, set: map[string]bool{}}
	flag.Visit(func(f *flag.Flag) { o.set[f.Name] = true })

	if err := run(*configPath, o, *printConfig); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

// apply copies the flags the user actually set onto cfg.
func (o overrides) apply(cfg *config.Config) {
	if o.set["broker"] {
		cfg.Broker = o.broker
	}
	if o.set["poll"] {
		cfg.PollMs = int(o.poll.Milliseconds())
	}
	if o.set["heartbeat"] {
		cfg.HeartbeatSeconds = int(o.heartbeat.Seconds())
	}
}

func run(configPath string, o overrides, printConfig bool) error {
	cfg, created, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if created {
		log.Printf("wrote default config to %s", configPath)
	}
	o.apply(cfg)
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config %s: %w", configPath, err)
	}

	if printConfig {
		return config.Encode(os.Stdout, cfg)
	}

	start := time.Now()
	tracker := status.NewTracker(start, status.Config{
		PollMs:      cfg.Poll().Milliseconds(),
		HeartbeatMs: cfg.Heartbeat().Milliseconds(),
		Broker:      cfg.Broker,
	})

	var channels []*channel.Channel
	for _, cc := range cfg.Channels {
		port, err := serial.Open(cc.SerialOptions())
		if err != nil {
			return fmt.Errorf("channel %s: %w", cc.ID, err)
		}
		defer port.Close()

		var out pulse.Output
		if cc.PulseEnabled() {
			w, err := gpio.NewRealWriter(cc.S0Chip, cc.S0Pin, cc.S0ActiveLow)
			if err != nil {
				return fmt.Errorf("channel %s: init gpio: %w", cc.ID, err)
			}
			defer w.Close()
			out = w
		}

		ch, err := channel.New(cc.Channel(), port, out, nil, start)
		if err != nil {
			return err
		}
		channels = append(channels, ch)
		tracker.Register(cc.ID, cc.SerialDevice, cc.S0Mode)
		log.Printf("channel %s: device=%s baud=%d s0=%s ppkwh=%d pin=%s:%d",
			cc.ID, cc.SerialDevice, cc.Baudrate, cc.S0Mode, cc.S0PPKWh, cc.S0Chip, cc.S0Pin)
	}

	publisher, err := mqtt.NewRealPublisher(mqtt.Options{Broker: cfg.Broker, ClientID: cfg.ClientID})
	if err != nil {
		return fmt.Errorf("init mqtt: %w", err)
	}
	defer publisher.Close()

	readings := make(chan mqtt.ReadingMessage, readingQueue)
	publisher.SubscribeReadings(func(r mqtt.ReadingMessage) {
		select {
		case readings <- r:
		default:
			log.Printf("channel %s: reading queue full, dropping %.1f W", r.Channel, r.PowerW)
		}
	})

	tracker.SetMQTTConnected(publisher.IsConnected())
	snap := tracker.Snapshot(time.Now())
	startup := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
	}
	if err := publisher.PublishSystem(startup); err != nil {
		log.Printf("failed to publish startup event: %v", err)
	} else {
		log.Printf("published startup event")
	}

	log.Printf("started: channels=%d poll=%v broker=%s heartbeat=%v", len(channels), cfg.Poll(), cfg.Broker, cfg.Heartbeat())

	ticker := time.NewTicker(cfg.Poll())
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	return runLoop(channels, publisher, publisher, tracker, cfg.Heartbeat(), time.Now, ticker.C, readings, sigCh)
}

func runLoop(channels []*channel.Channel, publisher mqtt.Publisher, mqttStatus mqtt.ConnectionStatus, tracker *status.Tracker, heartbeat time.Duration, now func() time.Time, tick <-chan time.Time, readings <-chan mqtt.ReadingMessage, sig <-chan os.Signal) error {
	byID := make(map[string]*channel.Channel, len(channels))
	for _, ch := range channels {
		byID[ch.ID()] = ch
	}
	lastHeartbeat := now()

	for {
		select {
		case s := <-sig:
			log.Printf("received %v, shutting down", s)
			reason := "UNKNOWN"
			if s == syscall.SIGINT {
				reason = "SIGINT"
			} else if s == syscall.SIGTERM {
				reason = "SIGTERM"
			}
			event := mqtt.SystemEvent{
				Timestamp: now(),
				Event:     "SHUTDOWN",
				Reason:    reason,
				Retained:  true,
			}
			if tracker != nil {
				refresh(tracker, channels, mqttStatus)
				event.RawPayload = status.FormatStatusEvent(tracker.Snapshot(event.Timestamp), "SHUTDOWN", reason)
			}
			if err := publisher.PublishSystem(event); err != nil {
				log.Printf("failed to publish shutdown event: %v", err)
			} else {
				log.Printf("published shutdown event")
			}
			return nil

		case r := <-readings:
			ch, ok := byID[r.Channel]
			if !ok {
				log.Printf("reading for unknown channel %q ignored", r.Channel)
				continue
			}
			if ev, ok := ch.Deliver(now(), channel.Reading{PowerW: r.PowerW}); ok {
				publish(publisher, ev)
			}

		case <-tick:
			t := now()
			for _, ch := range channels {
				for _, ev := range ch.Step(t) {
					publish(publisher, ev)
				}
			}

			if heartbeat > 0 && t.Sub(lastHeartbeat) >= heartbeat {
				lastHeartbeat = t
				hb := mqtt.SystemEvent{Timestamp: t, Event: "HEARTBEAT"}
				if tracker != nil {
					refresh(tracker, channels, mqttStatus)
					snap := tracker.Snapshot(t)
					log.Printf("heartbeat: uptime=%v channels=%d", snap.Uptime(), len(snap.Channels))
					hb.RawPayload = status.FormatStatusEvent(snap, "HEARTBEAT", "")
				}
				if err := publisher.PublishSystem(hb); err != nil {
					log.Printf("heartbeat publish error: %v", err)
				}
			}

			if tracker != nil {
				refresh(tracker, channels, mqttStatus)
			}
		}
	}
}

// refresh copies channel counters and the connection state into tracker.
func refresh(tracker *status.Tracker, channels []*channel.Channel, mqttStatus mqtt.ConnectionStatus) {
	for _, ch := range channels {
		tracker.Update(ch.ID(), ch.Counts())
	}
	if mqttStatus != nil {
		tracker.SetMQTTConnected(mqttStatus.IsConnected())
	}
}

// publish logs anything worth a warning and sends the event. Publish
// failures never stop the loop.
func publish(publisher mqtt.Publisher, ev channel.Event) {
	logEvent(ev)
	if err := publisher.Publish(ev); err != nil {
		log.Printf("publish error: %v", err)
	}
}

func logEvent(ev channel.Event) {
	switch ev.Type {
	case channel.EventFrameTimeout:
		// An idle line times out every period; only log lost frames.
		if ev.State != frame.StateAwaitingStart {
			log.Printf("channel %s: frame timeout in %s", ev.Channel, ev.State)
		}
	case channel.EventFrameOverflow:
		log.Printf("channel %s: frame overflow in %s", ev.Channel, ev.State)
	case channel.EventDecodeFailed:
		log.Printf("channel %s: %v", ev.Channel, ev.Err)
	case channel.EventOutputFailed:
		log.Printf("channel %s: s0 output: %v", ev.Channel, ev.Err)
	case channel.EventPulseRetargeted:
		if errors.Is(ev.Err, pulse.ErrDegenerateRate) {
			log.Printf("channel %s: %.1f W too low to pulse, holding", ev.Channel, ev.PowerW)
		}
	}
}
