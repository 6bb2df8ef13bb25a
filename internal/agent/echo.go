package agent

import (
	"context"
	"sync"
)

// Echo is an in-process stand-in for the agent. It plays caller audio
// straight back and accepts every control message. Used for local line
// checks without agent credentials.
type Echo struct {
	incoming  chan Message
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	responses []FunctionCallResponse
}

func NewEcho(buffer int) *Echo {
	if buffer <= 0 {
		buffer = 64
	}
	e := &Echo{
		incoming: make(chan Message, buffer),
		done:     make(chan struct{}),
	}
	e.incoming <- Message{Type: TypeWelcome}
	e.incoming <- Message{Type: TypeSettingsApplied}
	return e
}

func (e *Echo) Receive(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-e.done:
		return Message{}, ErrConnectionClosed
	case msg := <-e.incoming:
		return msg, nil
	}
}

// SendAudio queues the frame for playback; it is dropped when the
// playback buffer is full.
func (e *Echo) SendAudio(pcm []byte) error {
	select {
	case <-e.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case e.incoming <- Message{Type: TypeAudio, Audio: append([]byte(nil), pcm...)}:
	default:
	}
	return nil
}

func (e *Echo) SendFunctionResponse(resp FunctionCallResponse) error {
	select {
	case <-e.done:
		return ErrConnectionClosed
	default:
	}
	e.mu.Lock()
	e.responses = append(e.responses, resp)
	e.mu.Unlock()
	return nil
}

// Responses returns the function responses received so far.
func (e *Echo) Responses() []FunctionCallResponse {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]FunctionCallResponse(nil), e.responses...)
}

func (e *Echo) KeepAlive() error {
	select {
	case <-e.done:
		return ErrConnectionClosed
	default:
		return nil
	}
}

func (e *Echo) Close() error {
	e.closeOnce.Do(func() { close(e.done) })
	return nil
}
