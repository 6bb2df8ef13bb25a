package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-barista/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type serverResult struct {
	auth      string
	settings  Settings
	response  FunctionCallResponse
	audioSize int
	err       error
}

// agentServer plays a short scripted conversation and reports what the
// client sent.
func agentServer(t *testing.T, results chan<- serverResult) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := serverResult{auth: r.Header.Get("Authorization")}
		defer func() { results <- res }()

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			res.err = err
			return
		}
		defer ws.Close()

		if res.err = ws.ReadJSON(&res.settings); res.err != nil {
			return
		}
		_ = ws.WriteJSON(map[string]any{"type": TypeWelcome, "request_id": "r1"})
		_ = ws.WriteMessage(websocket.BinaryMessage, make([]byte, 1920))
		_ = ws.WriteJSON(map[string]any{"type": TypeConversationText, "role": "user", "content": "one taro please"})
		_ = ws.WriteMessage(websocket.TextMessage, []byte("{not json"))
		_ = ws.WriteJSON(map[string]any{
			"type": TypeFunctionCallRequest,
			"functions": []map[string]any{{
				"id": "fc_1", "name": "add_item", "arguments": `{"drink":"taro"}`, "client_side": true,
			}},
		})

		kind, data, err := ws.ReadMessage()
		if err != nil {
			res.err = err
			return
		}
		if kind == websocket.BinaryMessage {
			res.audioSize = len(data)
			if res.err = ws.ReadJSON(&res.response); res.err != nil {
				return
			}
		}
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
	}))
}

func receive(t *testing.T, c *Client) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := c.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	return msg
}

func TestDialConversation(t *testing.T) {
	results := make(chan serverResult, 1)
	srv := agentServer(t, results)
	defer srv.Close()

	cfg := config.Default().Agent
	cfg.URL = "ws" + strings.TrimPrefix(srv.URL, "http")
	cfg.APIKey = "secret"
	settings := BuildSettings(cfg, DefaultPrompt, []Function{{Name: "add_item", Description: "add", Parameters: map[string]any{"type": "object"}}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, cfg, settings, newLogger())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if msg := receive(t, c); msg.Type != TypeWelcome {
		t.Fatalf("expected Welcome, got %s", msg.Type)
	}
	if msg := receive(t, c); msg.Type != TypeAudio || len(msg.Audio) != 1920 {
		t.Fatalf("expected audio frame, got %s (%d bytes)", msg.Type, len(msg.Audio))
	}
	if msg := receive(t, c); msg.Role != RoleUser || msg.Content != "one taro please" {
		t.Fatalf("unexpected conversation text %+v", msg)
	}
	call := receive(t, c)
	if call.Type != TypeFunctionCallRequest || len(call.Functions) != 1 {
		t.Fatalf("expected function call, got %+v", call)
	}
	fn := call.Functions[0]
	if fn.ID != "fc_1" || fn.Name != "add_item" || fn.ServerSide() || fn.Arguments != `{"drink":"taro"}` {
		t.Fatalf("unexpected function call %+v", fn)
	}

	if err := c.SendAudio(make([]byte, 960)); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	if err := c.SendFunctionResponse(FunctionCallResponse{ID: fn.ID, Name: fn.Name, Content: `{"ok":true}`}); err != nil {
		t.Fatalf("send response: %v", err)
	}

	if _, err := c.Receive(ctx); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed after peer close, got %v", err)
	}
	if _, err := c.Receive(ctx); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed again, got %v", err)
	}
	if err := c.SendAudio([]byte{0, 0}); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expected send after close to fail, got %v", err)
	}

	res := <-results
	if res.err != nil {
		t.Fatalf("server: %v", res.err)
	}
	if res.auth != "Token secret" {
		t.Fatalf("unexpected auth header %q", res.auth)
	}
	if res.settings.Type != TypeSettings || res.settings.Audio.Input.SampleRate != 48000 || res.settings.Audio.Input.Encoding != "linear16" {
		t.Fatalf("unexpected settings %+v", res.settings)
	}
	if len(res.settings.Agent.Think.Functions) != 1 || res.settings.Agent.Think.Prompt == "" {
		t.Fatalf("settings missing functions or prompt")
	}
	if res.audioSize != 960 {
		t.Fatalf("server saw %d audio bytes", res.audioSize)
	}
	if res.response.Type != TypeFunctionCallResponse || res.response.ID != "fc_1" || res.response.Content != `{"ok":true}` {
		t.Fatalf("unexpected function response %+v", res.response)
	}
}

func TestDialRequiresKey(t *testing.T) {
	cfg := config.Default().Agent
	cfg.APIKey = ""
	if _, err := Dial(context.Background(), cfg, Settings{}, newLogger()); err == nil {
		t.Fatal("expected error without api key")
	}
}

func TestSettingsJSONShape(t *testing.T) {
	cfg := config.Default().Agent
	data, err := json.Marshal(BuildSettings(cfg, "prompt", nil))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	agentSection := raw["agent"].(map[string]any)
	think := agentSection["think"].(map[string]any)
	if think["prompt"] != "prompt" {
		t.Fatalf("unexpected think section %v", think)
	}
	provider := think["provider"].(map[string]any)
	if provider["type"] != "google" || provider["model"] != "gemini-2.5-flash" {
		t.Fatalf("unexpected think provider %v", provider)
	}
	if agentSection["greeting"] == "" {
		t.Fatal("greeting missing")
	}
}

func TestEchoLoopsAudioBack(t *testing.T) {
	e := NewEcho(4)
	ctx := context.Background()
	for _, want := range []string{TypeWelcome, TypeSettingsApplied} {
		msg, err := e.Receive(ctx)
		if err != nil || msg.Type != want {
			t.Fatalf("expected %s, got %+v %v", want, msg, err)
		}
	}
	if err := e.SendAudio([]byte{1, 2}); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	msg, err := e.Receive(ctx)
	if err != nil || msg.Type != TypeAudio || len(msg.Audio) != 2 {
		t.Fatalf("expected echoed audio, got %+v %v", msg, err)
	}
	_ = e.SendFunctionResponse(FunctionCallResponse{ID: "x"})
	if len(e.Responses()) != 1 {
		t.Fatal("response not recorded")
	}
	_ = e.Close()
	if _, err := e.Receive(ctx); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expected closed, got %v", err)
	}
	if err := e.KeepAlive(); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expected closed keepalive, got %v", err)
	}
}

func TestLoadPrompt(t *testing.T) {
	if p, err := LoadPrompt(""); err != nil || p != DefaultPrompt {
		t.Fatalf("expected default prompt, err=%v", err)
	}
	path := filepath.Join(t.TempDir(), "prompt.txt")
	if err := os.WriteFile(path, []byte("  be brief  \n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if p, err := LoadPrompt(path); err != nil || p != "be brief" {
		t.Fatalf("unexpected prompt %q %v", p, err)
	}
	empty := filepath.Join(t.TempDir(), "empty.txt")
	_ = os.WriteFile(empty, nil, 0o644)
	if _, err := LoadPrompt(empty); err == nil {
		t.Fatal("expected error for empty prompt")
	}
}

func TestFunctionCallClientSideFlag(t *testing.T) {
	msg, err := decodeText([]byte(`{"type":"FunctionCallRequest","functions":[
		{"id":"a","name":"get_cart","arguments":"{}"},
		{"id":"b","name":"get_cart","arguments":"{}","client_side":true},
		{"id":"c","name":"get_cart","arguments":"{}","client_side":false}]}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := map[string]bool{"a": false, "b": false, "c": true}
	for _, fn := range msg.Functions {
		if fn.ServerSide() != want[fn.ID] {
			t.Fatalf("%s: ServerSide() = %v", fn.ID, fn.ServerSide())
		}
	}
	if len(msg.Functions) != 3 {
		t.Fatalf("expected 3 functions, got %d", len(msg.Functions))
	}
}
