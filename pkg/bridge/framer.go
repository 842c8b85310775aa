package bridge

// FrameBytes is 20 ms of 8 kHz mu-law.
const FrameBytes = 160

// Framer cuts arbitrary telephony payloads into provider frames. Bytes that
// do not fill a frame are held until the next Push.
type Framer struct {
	buf []byte
}

// Push appends data and returns every complete frame in arrival order.
func (f *Framer) Push(data []byte) [][]byte {
	f.buf = append(f.buf, data...)
	n := len(f.buf) / FrameBytes
	if n == 0 {
		return nil
	}
	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		frame := make([]byte, FrameBytes)
		copy(frame, f.buf[i*FrameBytes:])
		out = append(out, frame)
	}
	rest := copy(f.buf, f.buf[n*FrameBytes:])
	f.buf = f.buf[:rest]
	return out
}

// Pending reports buffered bytes not yet emitted.
func (f *Framer) Pending() int { return len(f.buf) }
