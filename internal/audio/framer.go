package audio

// TelephonyFrameBytes is 20 ms of µ-law audio at 8 kHz.
const TelephonyFrameBytes = 160

// Framer slices a narrowband byte stream into fixed-size telephony frames,
// holding back at most one partial frame.
type Framer struct {
	size    int
	partial []byte
}

func NewFramer(size int) *Framer {
	if size <= 0 {
		size = TelephonyFrameBytes
	}
	return &Framer{size: size, partial: make([]byte, 0, size)}
}

// Push appends b and returns every completed frame in order.
func (f *Framer) Push(b []byte) [][]byte {
	var frames [][]byte
	for len(b) > 0 {
		need := f.size - len(f.partial)
		if need > len(b) {
			need = len(b)
		}
		f.partial = append(f.partial, b[:need]...)
		b = b[need:]
		if len(f.partial) == f.size {
			frame := make([]byte, f.size)
			copy(frame, f.partial)
			frames = append(frames, frame)
			f.partial = f.partial[:0]
		}
	}
	return frames
}

// Flush returns the held partial frame, if any, and clears it.
func (f *Framer) Flush() []byte {
	if len(f.partial) == 0 {
		return nil
	}
	out := make([]byte, len(f.partial))
	copy(out, f.partial)
	f.partial = f.partial[:0]
	return out
}

// Buffered reports the size of the held partial frame.
func (f *Framer) Buffered() int {
	return len(f.partial)
}
