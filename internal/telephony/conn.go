package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrConnectionClosed is returned by every call once the stream ended.
	ErrConnectionClosed = errors.New("telephony connection closed")
	// ErrNotStarted is returned by sends before the start event arrived.
	ErrNotStarted = errors.New("media stream not started")
)

type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Conn is one Media Streams connection.
type Conn struct {
	ws           wsConn
	log          *slog.Logger
	writeTimeout time.Duration

	mu        sync.RWMutex
	streamSID string
	callSID   string

	writeMu   sync.Mutex
	incoming  chan Message
	done      chan struct{}
	closeOnce sync.Once
}

// Upgrade accepts a Media Streams websocket.
func Upgrade(w http.ResponseWriter, r *http.Request, log *slog.Logger, writeTimeout time.Duration) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade failed: %w", err)
	}
	return NewConn(ws, log, writeTimeout), nil
}

// NewConn wraps an established websocket and starts reading from it.
func NewConn(ws wsConn, log *slog.Logger, writeTimeout time.Duration) *Conn {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	c := &Conn{
		ws:           ws,
		log:          log.With(slog.String("component", "telephony")),
		writeTimeout: writeTimeout,
		incoming:     make(chan Message, 32),
		done:         make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	defer close(c.incoming)
	defer c.Close()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.closed() {
				c.log.Warn("telephony read failed", slog.String("error", err.Error()))
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("dropping malformed media stream event", slog.String("error", err.Error()))
			continue
		}
		if msg.Event == EventStart && msg.Start != nil {
			c.mu.Lock()
			c.streamSID = msg.Start.StreamSID
			c.callSID = msg.Start.CallSID
			c.mu.Unlock()
		}

		select {
		case c.incoming <- msg:
		case <-c.done:
			return
		}
	}
}

// Receive returns the next event. After the connection ends it returns
// ErrConnectionClosed.
func (c *Conn) Receive(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case msg, ok := <-c.incoming:
		if !ok {
			return Message{}, ErrConnectionClosed
		}
		return msg, nil
	}
}

func (c *Conn) StreamSID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streamSID
}

func (c *Conn) CallSID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.callSID
}

// SendMedia plays one µ-law frame to the caller.
func (c *Conn) SendMedia(mulaw []byte) error {
	return c.send(Message{Event: EventMedia, Media: &Media{Payload: base64.StdEncoding.EncodeToString(mulaw)}})
}

// SendMark asks Twilio to echo name back once playback reaches this point.
func (c *Conn) SendMark(name string) error {
	return c.send(Message{Event: EventMark, Mark: &Mark{Name: name}})
}

// SendClear discards audio Twilio has buffered but not yet played.
func (c *Conn) SendClear() error {
	return c.send(Message{Event: EventClear})
}

func (c *Conn) send(msg Message) error {
	if c.closed() {
		return ErrConnectionClosed
	}
	msg.StreamSID = c.StreamSID()
	if msg.StreamSID == "" {
		return ErrNotStarted
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Event, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return nil
}

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close ends the stream. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(c.writeTimeout))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
	return nil
}
