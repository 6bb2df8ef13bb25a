// Package telephony adapts a Twilio Media Streams websocket into typed
// messages and outbound media, mark and clear commands.
package telephony

import (
	"encoding/base64"
	"fmt"
	"strconv"
)

const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventDTMF      = "dtmf"
	EventStop      = "stop"
	EventClear     = "clear"
)

// Message is one Media Streams event.
type Message struct {
	Event          string `json:"event"`
	StreamSID      string `json:"streamSid,omitempty"`
	SequenceNumber string `json:"sequenceNumber,omitempty"`
	Start          *Start `json:"start,omitempty"`
	Media          *Media `json:"media,omitempty"`
	Mark           *Mark  `json:"mark,omitempty"`
	DTMF           *DTMF  `json:"dtmf,omitempty"`
	Stop           *Stop  `json:"stop,omitempty"`
}

type Start struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters"`
}

type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type Media struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// Audio decodes the base64 µ-law payload.
func (m Media) Audio() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode media payload: %w", err)
	}
	return data, nil
}

// Seq is the chunk counter Twilio stamps on each media frame.
func (m Media) Seq() (uint64, error) {
	n, err := strconv.ParseUint(m.Chunk, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse media chunk %q: %w", m.Chunk, err)
	}
	return n, nil
}

type Mark struct {
	Name string `json:"name"`
}

type DTMF struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

type Stop struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}
