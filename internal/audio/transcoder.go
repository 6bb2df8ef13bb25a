package audio

import (
	"encoding/binary"
	"fmt"
)

// Upsampler converts µ-law 8 kHz frames to PCM16 48 kHz. The previous
// decoded sample is carried across frames so interpolation is continuous.
// An Upsampler is not safe for concurrent use.
type Upsampler struct {
	prev int16
	seq  sequencer
}

func NewUpsampler() *Upsampler {
	return &Upsampler{}
}

// ToWideband decodes and interpolates one telephony frame.
func (u *Upsampler) ToWideband(f Frame) (Frame, error) {
	if f.Format != FormatMulaw8k {
		return Frame{}, fmt.Errorf("%w: expected %s, got %s", ErrMalformedFrame, FormatMulaw8k, f.Format)
	}
	if len(f.Payload) == 0 {
		return Frame{}, fmt.Errorf("%w: empty payload", ErrMalformedFrame)
	}
	if !u.seq.accept(f.Seq) {
		return Frame{}, fmt.Errorf("%w: sequence %d not after %d", ErrMalformedFrame, f.Seq, u.seq.last)
	}

	out := make([]byte, len(f.Payload)*Ratio*2)
	prev := int(u.prev)
	i := 0
	for _, b := range f.Payload {
		cur := int(MulawDecode(b))
		for k := 1; k <= Ratio; k++ {
			v := prev + (cur-prev)*k/Ratio
			binary.LittleEndian.PutUint16(out[i:], uint16(int16(v)))
			i += 2
		}
		prev = cur
	}
	u.prev = int16(prev)
	return Frame{Payload: out, Format: FormatPCM16_48k, Seq: f.Seq}, nil
}

// Downsampler converts PCM16 48 kHz frames to µ-law 8 kHz by keeping the
// last sample of every group of six. A trailing odd byte or partial group is
// carried into the next frame. A Downsampler is not safe for concurrent use.
type Downsampler struct {
	carry []byte
	seq   sequencer
}

func NewDownsampler() *Downsampler {
	return &Downsampler{}
}

const groupBytes = Ratio * 2

// ToNarrowband decimates and encodes one agent frame. The returned payload
// may be empty when the input did not complete a sample group.
func (d *Downsampler) ToNarrowband(f Frame) (Frame, error) {
	if f.Format != FormatPCM16_48k {
		return Frame{}, fmt.Errorf("%w: expected %s, got %s", ErrMalformedFrame, FormatPCM16_48k, f.Format)
	}
	if len(f.Payload) == 0 {
		return Frame{}, fmt.Errorf("%w: empty payload", ErrMalformedFrame)
	}
	if !d.seq.accept(f.Seq) {
		return Frame{}, fmt.Errorf("%w: sequence %d not after %d", ErrMalformedFrame, f.Seq, d.seq.last)
	}

	data := f.Payload
	if len(d.carry) > 0 {
		data = append(d.carry, f.Payload...)
	}
	groups := len(data) / groupBytes
	out := make([]byte, groups)
	for g := 0; g < groups; g++ {
		off := g*groupBytes + groupBytes - 2
		sample := int16(binary.LittleEndian.Uint16(data[off:]))
		out[g] = MulawEncode(sample)
	}

	rest := data[groups*groupBytes:]
	if len(rest) > 0 {
		d.carry = append(d.carry[:0:0], rest...)
	} else {
		d.carry = nil
	}
	return Frame{Payload: out, Format: FormatMulaw8k, Seq: f.Seq}, nil
}

// Pending reports how many bytes are carried into the next frame.
func (d *Downsampler) Pending() int {
	return len(d.carry)
}

// Reset discards carried bytes, used when queued agent audio is flushed.
func (d *Downsampler) Reset() {
	d.carry = nil
}
