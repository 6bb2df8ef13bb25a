package audio

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Recorder writes wideband PCM for one call to a WAV file.
type Recorder struct {
	mu     sync.Mutex
	file   *os.File
	enc    *wav.Encoder
	format *audio.Format
	path   string
	closed bool
}

// NewRecorder creates dir if needed and opens <dir>/<name>.wav.
func NewRecorder(dir, name string, sampleRate int) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create record dir: %w", err)
	}
	path := filepath.Join(dir, name+".wav")
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}
	return &Recorder{
		file:   file,
		enc:    wav.NewEncoder(file, sampleRate, 16, 1, 1),
		format: &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		path:   path,
	}, nil
}

// Write appends one PCM16LE chunk. A trailing odd byte is ignored.
func (r *Recorder) Write(pcm []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return os.ErrClosed
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	if len(samples) == 0 {
		return nil
	}
	buf := &audio.IntBuffer{Format: r.format, Data: samples, SourceBitDepth: 16}
	if err := r.enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	return nil
}

// Path returns the file being written.
func (r *Recorder) Path() string {
	return r.path
}

// Close finalizes the WAV header and closes the file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if err := r.enc.Close(); err != nil {
		r.file.Close()
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return r.file.Close()
}
