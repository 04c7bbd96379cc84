// Package gpio provides the S0 output line with hardware abstraction.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

// Writer drives a single binary output line.
type Writer interface {
	// Set writes the logical level: true = pulse active.
	// Polarity mapping to the physical level is fixed at construction.
	Set(high bool) error

	// Close releases GPIO resources.
	Close() error
}

// Defaults for the output line.
const (
	DefaultChip = "gpiochip0"
	DefaultPin  = 17 // BCM numbering
	Consumer    = "smlreader"
)
