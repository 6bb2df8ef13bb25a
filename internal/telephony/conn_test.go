package telephony

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startServer(t *testing.T) (*websocket.Conn, *Conn) {
	t.Helper()
	conns := make(chan *Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := Upgrade(w, r, newLogger(), time.Second)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		conns <- c
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	select {
	case c := <-conns:
		t.Cleanup(func() { c.Close() })
		return client, c
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted")
	}
	return nil, nil
}

func recv(t *testing.T, c *Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := c.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	return msg
}

func TestMediaStreamSession(t *testing.T) {
	twilio, conn := startServer(t)

	if err := conn.SendMedia([]byte{0xFF}); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted before start, got %v", err)
	}

	frame := make([]byte, 160)
	for i := range frame {
		frame[i] = 0xFF
	}
	script := []string{
		`{"event":"connected","protocol":"Call","version":"1.0.0"}`,
		`{"event":"start","sequenceNumber":"1","start":{"streamSid":"MZ123","accountSid":"AC1","callSid":"CA9","tracks":["inbound"],"mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1},"customParameters":{"from":"+15551234567"}},"streamSid":"MZ123"}`,
		`{"event":"media","streamSid":"MZ123","media":{"track":"inbound","chunk":"1","timestamp":"5","payload":"` + base64.StdEncoding.EncodeToString(frame) + `"}}`,
		`not json`,
		`{"event":"dtmf","streamSid":"MZ123","dtmf":{"track":"inbound_track","digit":"5"}}`,
		`{"event":"stop","streamSid":"MZ123","stop":{"accountSid":"AC1","callSid":"CA9"}}`,
	}
	for _, line := range script {
		if err := twilio.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	if msg := recv(t, conn); msg.Event != EventConnected {
		t.Fatalf("expected connected, got %s", msg.Event)
	}
	start := recv(t, conn)
	if start.Event != EventStart || start.Start.CallSID != "CA9" || start.Start.CustomParameters["from"] != "+15551234567" {
		t.Fatalf("unexpected start %+v", start.Start)
	}
	media := recv(t, conn)
	audio, err := media.Media.Audio()
	if err != nil || len(audio) != 160 {
		t.Fatalf("media decode: %v (%d bytes)", err, len(audio))
	}
	if seq, err := media.Media.Seq(); err != nil || seq != 1 {
		t.Fatalf("media seq: %d %v", seq, err)
	}
	if msg := recv(t, conn); msg.Event != EventDTMF || msg.DTMF.Digit != "5" {
		t.Fatalf("expected dtmf after malformed frame was skipped, got %+v", msg)
	}
	if msg := recv(t, conn); msg.Event != EventStop {
		t.Fatalf("expected stop, got %s", msg.Event)
	}
	if conn.StreamSID() != "MZ123" || conn.CallSID() != "CA9" {
		t.Fatalf("stream ids not captured: %s %s", conn.StreamSID(), conn.CallSID())
	}

	if err := conn.SendMedia([]byte{1, 2, 3}); err != nil {
		t.Fatalf("send media: %v", err)
	}
	if err := conn.SendMark("greeting"); err != nil {
		t.Fatalf("send mark: %v", err)
	}
	if err := conn.SendClear(); err != nil {
		t.Fatalf("send clear: %v", err)
	}

	var out Message
	_ = twilio.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := twilio.ReadJSON(&out); err != nil {
		t.Fatalf("read media: %v", err)
	}
	if out.Event != EventMedia || out.StreamSID != "MZ123" || out.Media.Payload != base64.StdEncoding.EncodeToString([]byte{1, 2, 3}) {
		t.Fatalf("unexpected outbound media %+v", out)
	}
	if err := twilio.ReadJSON(&out); err != nil || out.Event != EventMark || out.Mark.Name != "greeting" {
		t.Fatalf("unexpected outbound mark %+v %v", out, err)
	}
	out = Message{}
	if err := twilio.ReadJSON(&out); err != nil || out.Event != EventClear || out.StreamSID != "MZ123" {
		t.Fatalf("unexpected outbound clear %+v %v", out, err)
	}
}

func TestPeerCloseSurfacesOnce(t *testing.T) {
	twilio, conn := startServer(t)
	_ = twilio.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 2; i++ {
		if _, err := conn.Receive(ctx); !errors.Is(err, ErrConnectionClosed) {
			t.Fatalf("receive %d: expected ErrConnectionClosed, got %v", i, err)
		}
	}
	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("done not closed")
	}
	if err := conn.SendClear(); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expected send after close to fail, got %v", err)
	}
}

func TestReceiveHonorsContext(t *testing.T) {
	_, conn := startServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := conn.Receive(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
