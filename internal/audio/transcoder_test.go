package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"testing"

	"github.com/go-audio/wav"
)

func TestMulawKnownValues(t *testing.T) {
	cases := []struct {
		in   byte
		want int16
	}{
		{0xFF, 0},
		{0x7F, 0},
		{0x00, -32124},
		{0x80, 32124},
		{0xF0, 120},
		{0x70, -120},
	}
	for _, tc := range cases {
		if got := MulawDecode(tc.in); got != tc.want {
			t.Fatalf("decode(0x%02X) = %d, want %d", tc.in, got, tc.want)
		}
	}
	if got := MulawEncode(0); got != 0xFF {
		t.Fatalf("encode(0) = 0x%02X, want 0xFF", got)
	}
	if got := MulawEncode(32767); got != 0x80 {
		t.Fatalf("encode(max) = 0x%02X, want 0x80", got)
	}
	if got := MulawEncode(-32768); got != 0x00 {
		t.Fatalf("encode(min) = 0x%02X, want 0x00", got)
	}
}

func TestMulawEncodeDecodeStable(t *testing.T) {
	for i := 0; i < 256; i++ {
		b := byte(i)
		got := MulawEncode(MulawDecode(b))
		if b == 0x7F {
			// negative zero collapses onto positive zero
			if got != 0xFF {
				t.Fatalf("encode(decode(0x7F)) = 0x%02X", got)
			}
			continue
		}
		if got != b {
			t.Fatalf("encode(decode(0x%02X)) = 0x%02X", b, got)
		}
	}
}

func TestRoundTripNearIdempotent(t *testing.T) {
	up := NewUpsampler()
	down := NewDownsampler()

	for seq := uint64(1); seq <= 5; seq++ {
		in := make([]byte, TelephonyFrameBytes)
		for i := range in {
			in[i] = byte((int(seq)*31 + i*7) % 256)
		}
		wide, err := up.ToWideband(Frame{Payload: in, Format: FormatMulaw8k, Seq: seq})
		if err != nil {
			t.Fatalf("upsample: %v", err)
		}
		if len(wide.Payload) != len(in)*12 {
			t.Fatalf("expected %d wideband bytes, got %d", len(in)*12, len(wide.Payload))
		}
		narrow, err := down.ToNarrowband(wide)
		if err != nil {
			t.Fatalf("downsample: %v", err)
		}
		if len(narrow.Payload) != len(in) {
			t.Fatalf("expected %d narrowband bytes, got %d", len(in), len(narrow.Payload))
		}
		for i := range in {
			if MulawDecode(narrow.Payload[i]) != MulawDecode(in[i]) {
				t.Fatalf("frame %d sample %d: got 0x%02X want 0x%02X", seq, i, narrow.Payload[i], in[i])
			}
		}
	}
}

func TestUpsampleInterpolatesAcrossFrames(t *testing.T) {
	up := NewUpsampler()
	first, err := up.ToWideband(Frame{Payload: []byte{0xFF}, Format: FormatMulaw8k, Seq: 1})
	if err != nil {
		t.Fatalf("first frame: %v", err)
	}
	for i := 0; i < 6; i++ {
		if v := int16(binary.LittleEndian.Uint16(first.Payload[i*2:])); v != 0 {
			t.Fatalf("silence sample %d = %d", i, v)
		}
	}
	// 0x80 decodes to 32124; the ramp from 0 must be monotonic and end on it.
	second, err := up.ToWideband(Frame{Payload: []byte{0x80}, Format: FormatMulaw8k, Seq: 2})
	if err != nil {
		t.Fatalf("second frame: %v", err)
	}
	last := int16(-1)
	for i := 0; i < 6; i++ {
		v := int16(binary.LittleEndian.Uint16(second.Payload[i*2:]))
		if v <= last {
			t.Fatalf("ramp not increasing at %d: %d <= %d", i, v, last)
		}
		last = v
	}
	if last != 32124 {
		t.Fatalf("ramp ends at %d, want 32124", last)
	}
	if v := int16(binary.LittleEndian.Uint16(second.Payload[0:])); v != 32124/6 {
		t.Fatalf("first interpolated sample = %d, want %d", v, 32124/6)
	}
}

func TestDownsampleCarriesPartialGroups(t *testing.T) {
	down := NewDownsampler()
	pcm := make([]byte, 24)
	binary.LittleEndian.PutUint16(pcm[10:], uint16(1000))
	v := int16(-1000)
	binary.LittleEndian.PutUint16(pcm[22:], uint16(v))

	// 7 bytes: no complete group, odd byte carried.
	out, err := down.ToNarrowband(Frame{Payload: pcm[:7], Format: FormatPCM16_48k, Seq: 1})
	if err != nil {
		t.Fatalf("partial: %v", err)
	}
	if len(out.Payload) != 0 || down.Pending() != 7 {
		t.Fatalf("expected 0 output and 7 pending, got %d/%d", len(out.Payload), down.Pending())
	}
	out, err = down.ToNarrowband(Frame{Payload: pcm[7:], Format: FormatPCM16_48k, Seq: 2})
	if err != nil {
		t.Fatalf("rest: %v", err)
	}
	if !bytes.Equal(out.Payload, []byte{MulawEncode(1000), MulawEncode(-1000)}) {
		t.Fatalf("unexpected decimation output % X", out.Payload)
	}
	if down.Pending() != 0 {
		t.Fatalf("expected nothing pending, got %d", down.Pending())
	}
}

func TestMalformedFramesDropped(t *testing.T) {
	up := NewUpsampler()
	if _, err := up.ToWideband(Frame{Format: FormatMulaw8k, Seq: 1}); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("empty payload: expected ErrMalformedFrame, got %v", err)
	}
	if _, err := up.ToWideband(Frame{Payload: []byte{1}, Format: FormatPCM16_48k, Seq: 1}); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("wrong format: expected ErrMalformedFrame, got %v", err)
	}
	if _, err := up.ToWideband(Frame{Payload: []byte{1}, Format: FormatMulaw8k, Seq: 5}); err != nil {
		t.Fatalf("valid frame rejected: %v", err)
	}
	if _, err := up.ToWideband(Frame{Payload: []byte{1}, Format: FormatMulaw8k, Seq: 5}); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("duplicate sequence: expected ErrMalformedFrame, got %v", err)
	}
	if _, err := up.ToWideband(Frame{Payload: []byte{1}, Format: FormatMulaw8k, Seq: 3}); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("reordered sequence: expected ErrMalformedFrame, got %v", err)
	}

	down := NewDownsampler()
	if _, err := down.ToNarrowband(Frame{Payload: []byte{1, 2}, Format: FormatMulaw8k, Seq: 1}); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("wrong format: expected ErrMalformedFrame, got %v", err)
	}
}

func TestFramer(t *testing.T) {
	f := NewFramer(TelephonyFrameBytes)
	if frames := f.Push(make([]byte, 100)); len(frames) != 0 {
		t.Fatalf("expected no frames, got %d", len(frames))
	}
	frames := f.Push(bytes.Repeat([]byte{0xAB}, 400))
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	for _, fr := range frames {
		if len(fr) != TelephonyFrameBytes {
			t.Fatalf("frame length %d", len(fr))
		}
	}
	if frames[0][99] != 0 || frames[0][100] != 0xAB {
		t.Fatalf("frame boundary not preserved")
	}
	if f.Buffered() != 20 {
		t.Fatalf("expected 20 buffered bytes, got %d", f.Buffered())
	}
	if rest := f.Flush(); len(rest) != 20 || f.Buffered() != 0 {
		t.Fatalf("flush returned %d bytes", len(rest))
	}
}

func TestRecorderWritesWav(t *testing.T) {
	dir := t.TempDir()
	rec, err := NewRecorder(dir, "CA123", WidebandRate)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	pcm := make([]byte, 960)
	for i := 0; i < len(pcm)/2; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(i)))
	}
	if err := rec.Write(pcm); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := rec.Write(pcm); err == nil {
		t.Fatal("expected write after close to fail")
	}

	file, err := os.Open(rec.Path())
	if err != nil {
		t.Fatalf("open recording: %v", err)
	}
	defer file.Close()
	buf, err := wav.NewDecoder(file).FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode recording: %v", err)
	}
	if buf.Format.SampleRate != WidebandRate {
		t.Fatalf("sample rate %d", buf.Format.SampleRate)
	}
	if len(buf.Data) != 480 || buf.Data[479] != 479 {
		t.Fatalf("unexpected samples: len=%d", len(buf.Data))
	}
}
