package serial

// FakeSource is a test double holding scripted bytes.
type FakeSource struct {
	buf []byte
}

// NewFakeSource creates a FakeSource holding data.
func NewFakeSource(data ...[]byte) *FakeSource {
	f := &FakeSource{}
	for _, d := range data {
		f.Write(d)
	}
	return f
}

// Write queues more bytes. It never fails.
func (f *FakeSource) Write(p []byte) (int, error) {
	f.buf = append(f.buf, p...)
	return len(p), nil
}

// Available returns the number of queued bytes.
func (f *FakeSource) Available() int {
	return len(f.buf)
}

// Next pops the next byte.
func (f *FakeSource) Next() (byte, bool) {
	if len(f.buf) == 0 {
		return 0, false
	}
	b := f.buf[0]
	f.buf = f.buf[1:]
	return b, true
}
