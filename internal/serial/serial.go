// Package serial provides non-blocking byte sources for the framing loop.
// The real implementation pumps a serial device into a bounded queue.
// The fake implementation allows testing without hardware.
package serial

// Source is a non-blocking byte stream.
type Source interface {
	// Available returns the number of bytes that can be read without waiting.
	Available() int

	// Next returns the next byte, or false if none is available.
	Next() (byte, bool)
}

// Defaults for the meter's optical head.
const (
	DefaultBaudrate  = 9600
	DefaultQueueSize = 4096
)
