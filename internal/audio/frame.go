// Package audio converts between telephony µ-law audio and the wideband
// linear PCM consumed by the conversational agent.
package audio

import "errors"

// Format tags the sample encoding carried by a Frame.
type Format int

const (
	FormatUnknown Format = iota
	// FormatMulaw8k is G.711 µ-law, 8 kHz mono, one byte per sample.
	FormatMulaw8k
	// FormatPCM16_48k is signed 16-bit little-endian PCM, 48 kHz mono.
	FormatPCM16_48k
)

const (
	NarrowbandRate = 8000
	WidebandRate   = 48000
	// Ratio is the fixed resampling factor between the two rates.
	Ratio = WidebandRate / NarrowbandRate
)

func (f Format) String() string {
	switch f {
	case FormatMulaw8k:
		return "mulaw/8000"
	case FormatPCM16_48k:
		return "pcm16/48000"
	default:
		return "unknown"
	}
}

// ErrMalformedFrame is returned for frames that are empty, carry the wrong
// format tag or arrive out of sequence. Callers drop the frame and continue.
var ErrMalformedFrame = errors.New("malformed audio frame")

// Frame is the transit unit between the stream adapters and the transcoder.
type Frame struct {
	Payload []byte
	Format  Format
	Seq     uint64
}

// sequencer enforces strictly increasing sequence numbers.
type sequencer struct {
	last uint64
	seen bool
}

func (s *sequencer) accept(seq uint64) bool {
	if s.seen && seq <= s.last {
		return false
	}
	s.last = seq
	s.seen = true
	return true
}
