package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-barista/internal/config"
)

// ErrConnectionClosed is returned by every call once the connection ended.
var ErrConnectionClosed = errors.New("agent connection closed")

type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Client is a live agent connection.
type Client struct {
	ws           wsConn
	log          *slog.Logger
	writeTimeout time.Duration

	writeMu   sync.Mutex
	incoming  chan Message
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the agent endpoint and sends settings.
func Dial(ctx context.Context, cfg config.AgentConfig, settings Settings, log *slog.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("agent api key not configured")
	}
	headers := http.Header{}
	headers.Set("Authorization", "Token "+cfg.APIKey)

	dialer := websocket.Dialer{
		HandshakeTimeout: time.Duration(cfg.DialTimeoutMS) * time.Millisecond,
	}
	ws, resp, err := dialer.DialContext(ctx, cfg.URL, headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return nil, fmt.Errorf("agent connect (status %d): %s: %w", resp.StatusCode, string(body), err)
		}
		return nil, fmt.Errorf("agent connect: %w", err)
	}

	c := newClient(ws, log, 5*time.Second, cfg.QueueSize)
	if err := c.SendSettings(settings); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func newClient(ws wsConn, log *slog.Logger, writeTimeout time.Duration, buffer int) *Client {
	if buffer <= 0 {
		buffer = 64
	}
	c := &Client{
		ws:           ws,
		log:          log.With(slog.String("component", "agent")),
		writeTimeout: writeTimeout,
		incoming:     make(chan Message, buffer),
		done:         make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	defer close(c.incoming)
	defer c.Close()

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.closed() {
				c.log.Warn("agent read failed", slog.String("error", err.Error()))
			}
			return
		}

		var msg Message
		switch kind {
		case websocket.BinaryMessage:
			msg = Message{Type: TypeAudio, Audio: data}
		case websocket.TextMessage:
			msg, err = decodeText(data)
			if err != nil {
				c.log.Warn("dropping malformed agent event", slog.String("error", err.Error()))
				continue
			}
		default:
			continue
		}

		select {
		case c.incoming <- msg:
		case <-c.done:
			return
		}
	}
}

// Receive returns the next inbound message. After the connection ends it
// returns ErrConnectionClosed.
func (c *Client) Receive(ctx context.Context) (Message, error) {
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

// SendAudio writes one PCM16 frame.
func (c *Client) SendAudio(pcm []byte) error {
	return c.write(websocket.BinaryMessage, pcm)
}

func (c *Client) SendSettings(s Settings) error {
	return c.writeJSON(s)
}

// SendFunctionResponse answers a FunctionCallRequest.
func (c *Client) SendFunctionResponse(resp FunctionCallResponse) error {
	resp.Type = TypeFunctionCallResponse
	return c.writeJSON(resp)
}

func (c *Client) KeepAlive() error {
	return c.writeJSON(map[string]string{"type": TypeKeepAlive})
}

func (c *Client) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode agent message: %w", err)
	}
	return c.write(websocket.TextMessage, data)
}

func (c *Client) write(kind int, data []byte) error {
	if c.closed() {
		return ErrConnectionClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	if err := c.ws.WriteMessage(kind, data); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return nil
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close ends the connection. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(c.writeTimeout))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
	return nil
}
