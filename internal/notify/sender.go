// Package notify sends customer text messages about their orders.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/loqalabs/loqa-barista/internal/config"
	"github.com/loqalabs/loqa-barista/internal/orders"
	"github.com/loqalabs/loqa-barista/internal/twilio"
	"github.com/mattn/go-shellwords"
)

// Sender delivers one text message.
type Sender interface {
	Send(ctx context.Context, to, body string) error
}

// NewSender builds the sender selected by cfg.Mode. tw is only used in
// twilio mode and may be nil otherwise.
func NewSender(cfg config.SMSConfig, tw *twilio.Client, log *slog.Logger) (Sender, error) {
	switch strings.ToLower(cfg.Mode) {
	case "", "log":
		return NewLogSender(log), nil
	case "exec":
		return NewExecSender(cfg.Command)
	case "twilio":
		if tw == nil {
			return nil, fmt.Errorf("sms twilio mode: %w", twilio.ErrNotConfigured)
		}
		if cfg.From == "" {
			return nil, fmt.Errorf("sms twilio mode requires sms.from")
		}
		return &TwilioSender{client: tw, from: cfg.From}, nil
	default:
		return nil, fmt.Errorf("unsupported sms mode %q", cfg.Mode)
	}
}

// LogSender writes messages to the log instead of sending them.
type LogSender struct {
	log *slog.Logger
}

func NewLogSender(log *slog.Logger) *LogSender {
	return &LogSender{log: log.With(slog.String("component", "sms-log"))}
}

func (s *LogSender) Send(ctx context.Context, to, body string) error {
	s.log.Info("sms", slog.String("to", orders.MaskPhone(to)), slog.String("body", body))
	return nil
}

// ExecSender pipes each message as JSON to a local command.
type ExecSender struct {
	cmd []string
}

type execPayload struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

func NewExecSender(command string) (*ExecSender, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse sms command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("sms command empty")
	}
	return &ExecSender{cmd: args}, nil
}

func (s *ExecSender) Send(ctx context.Context, to, body string) error {
	input, err := json.Marshal(execPayload{To: to, Body: body})
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, s.cmd[0], s.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("sms command failed: %w: %s", err, msg)
		}
		return fmt.Errorf("sms command failed: %w", err)
	}
	return nil
}

// TwilioSender sends through the Twilio Messages API.
type TwilioSender struct {
	client *twilio.Client
	from   string
}

func (s *TwilioSender) Send(ctx context.Context, to, body string) error {
	_, err := s.client.SendSMS(ctx, s.from, to, body)
	return err
}
