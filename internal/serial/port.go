package serial

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	goserial "github.com/jacobsa/go-serial/serial"
)

// Options configures a serial port.
type Options struct {
	Device   string
	Baudrate uint
	// QueueSize bounds the bytes held between the device and the reader.
	QueueSize int
}

// Port is a Source fed by a goroutine that reads the device.
// Available and Next are safe to call from one consumer goroutine.
type Port struct {
	name  string
	rc    io.ReadCloser
	queue chan byte
	done  chan struct{}

	mu   sync.Mutex
	err  error
	once sync.Once
}

// Open opens the device 8N1 and starts pumping bytes.
func Open(opts Options) (*Port, error) {
	if opts.Baudrate == 0 {
		opts.Baudrate = DefaultBaudrate
	}
	rc, err := goserial.Open(goserial.OpenOptions{
		PortName:        opts.Device,
		BaudRate:        opts.Baudrate,
		DataBits:        8,
		StopBits:        1,
		ParityMode:      goserial.PARITY_NONE,
		MinimumReadSize: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", opts.Device, err)
	}
	log.Printf("serial: opened %s at %d baud", opts.Device, opts.Baudrate)
	return newPort(opts.Device, rc, opts.QueueSize), nil
}

// newPort wraps any reader. Used by Open and by tests.
func newPort(name string, rc io.ReadCloser, queueSize int) *Port {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	p := &Port{
		name:  name,
		rc:    rc,
		queue: make(chan byte, queueSize),
		done:  make(chan struct{}),
	}
	go p.pump()
	return p
}

func (p *Port) pump() {
	buf := make([]byte, 256)
	for {
		n, err := p.rc.Read(buf)
		for _, b := range buf[:n] {
			select {
			case p.queue <- b:
			case <-p.done:
				return
			}
		}
		if err != nil {
			select {
			case <-p.done:
			default:
				if !errors.Is(err, io.EOF) {
					log.Printf("serial: read %s: %v", p.name, err)
				}
				p.setErr(err)
			}
			return
		}
	}
}

func (p *Port) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

// Err returns the error that stopped the pump, if any.
func (p *Port) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Available returns the number of queued bytes.
func (p *Port) Available() int {
	return len(p.queue)
}

// Next returns the next queued byte without waiting.
func (p *Port) Next() (byte, bool) {
	select {
	case b := <-p.queue:
		return b, true
	default:
		return 0, false
	}
}

// Close stops the pump and closes the device.
func (p *Port) Close() error {
	var err error
	p.once.Do(func() {
		close(p.done)
		err = p.rc.Close()
	})
	return err
}
