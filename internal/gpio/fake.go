package gpio

// FakeWriter is a test double that records every level written.
type FakeWriter struct {
	// Levels contains every level passed to Set, in order.
	Levels []bool

	// Closed tracks if Close was called
	Closed bool

	// SetError, if set, will be returned by Set() and nothing is recorded.
	SetError error
}

// NewFakeWriter creates an empty FakeWriter.
func NewFakeWriter() *FakeWriter {
	return &FakeWriter{}
}

// Set records the level.
func (f *FakeWriter) Set(high bool) error {
	if f.SetError != nil {
		return f.SetError
	}
	f.Levels = append(f.Levels, high)
	return nil
}

// Level returns the last level written, false if none.
func (f *FakeWriter) Level() bool {
	if len(f.Levels) == 0 {
		return false
	}
	return f.Levels[len(f.Levels)-1]
}

// Pulses counts rising edges seen so far.
func (f *FakeWriter) Pulses() int {
	n := 0
	prev := false
	for _, l := range f.Levels {
		if l && !prev {
			n++
		}
		prev = l
	}
	return n
}

// Close marks the writer as closed.
func (f *FakeWriter) Close() error {
	f.Closed = true
	return nil
}

// Reset clears recorded levels.
func (f *FakeWriter) Reset() {
	f.Levels = nil
	f.Closed = false
	f.SetError = nil
}
