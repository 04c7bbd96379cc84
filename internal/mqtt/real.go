package mqtt

import (
	"fmt"
	"log"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// Options configures a RealPublisher.
type Options struct {
	Broker   string
	ClientID string
	// BufferSize is the outbound buffer capacity. Zero means DefaultBufferSize.
	BufferSize int
}

// RealPublisher publishes to an MQTT broker. Publish never blocks: messages
// are buffered and a background goroutine delivers them, oldest first,
// whenever the connection is up.
type RealPublisher struct {
	*AsyncPublisher
	client paho.Client

	mu        sync.Mutex
	connected bool // at least one successful connection
	onReading func(ReadingMessage)
}

// pahoSender waits on each token so delivery stays in order.
type pahoSender struct {
	client paho.Client
}

func (s pahoSender) Send(topic string, qos byte, retained bool, payload []byte) error {
	token := s.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish to %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func (s pahoSender) IsConnected() bool {
	return s.client.IsConnectionOpen()
}

// NewRealPublisher creates a publisher and starts connecting. If the broker
// cannot be reached within ten seconds the publisher is still returned and
// keeps retrying in the background.
func NewRealPublisher(o Options) (*RealPublisher, error) {
	if o.Broker == "" {
		return nil, fmt.Errorf("mqtt: empty broker address")
	}
	if o.ClientID == "" {
		o.ClientID = "smlreader"
	}

	will, err := FormatSystemPayload(SystemEvent{
		Timestamp: time.Now(),
		Event:     "SHUTDOWN",
		Reason:    "MQTT_DISCONNECT",
	})
	if err != nil {
		return nil, fmt.Errorf("format will: %w", err)
	}

	p := &RealPublisher{}
	opts := paho.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(o.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetBinaryWill(TopicSystem, will, 1, true).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Printf("mqtt: connection lost: %v", err)
		})

	p.client = paho.NewClient(opts)
	p.AsyncPublisher = NewAsyncPublisher(pahoSender{client: p.client}, o.BufferSize)

	token := p.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		log.Printf("mqtt: broker %s not reachable yet, buffering", o.Broker)
		return p, nil
	}
	if err := token.Error(); err != nil {
		p.AsyncPublisher.Close()
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return p, nil
}

// onConnect resubscribes, announces a reconnection and wakes delivery of
// anything buffered while offline.
func (p *RealPublisher) onConnect(c paho.Client) {
	p.mu.Lock()
	reconnect := p.connected
	p.connected = true
	handler := p.onReading
	p.mu.Unlock()

	log.Printf("mqtt: connected, %d messages buffered", p.Buffered())

	if handler != nil {
		p.subscribe(c, handler)
	}
	if reconnect {
		p.PublishSystem(SystemEvent{Timestamp: time.Now(), Event: "RECONNECTED"})
	}
	p.Flush()
}

func (p *RealPublisher) subscribe(c paho.Client, handler func(ReadingMessage)) {
	filter := PowerTopic("+")
	token := c.Subscribe(filter, 0, func(_ paho.Client, msg paho.Message) {
		r, err := ParseReading(msg.Topic(), msg.Payload())
		if err != nil {
			log.Printf("mqtt: %v", err)
			return
		}
		handler(r)
	})
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		log.Printf("mqtt: subscribe %s: %v", filter, token.Error())
	}
}

// SubscribeReadings registers the handler for readings on every channel's
// power topic. The subscription is renewed on each reconnect. The handler
// runs on a paho goroutine.
func (p *RealPublisher) SubscribeReadings(handler func(ReadingMessage)) {
	p.mu.Lock()
	p.onReading = handler
	p.mu.Unlock()
	if p.client.IsConnectionOpen() {
		p.subscribe(p.client, handler)
	}
}

// Close delivers what is still buffered, then disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.AsyncPublisher.Close()
	p.client.Disconnect(1000)
	return nil
}
