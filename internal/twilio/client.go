// Package twilio is a minimal client for the Twilio REST API: outbound SMS
// and ending an in-progress call.
package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loqalabs/loqa-barista/internal/config"
)

const defaultBaseURL = "https://api.twilio.com/2010-04-01"

// ErrNotConfigured is returned when credentials are missing.
var ErrNotConfigured = errors.New("twilio credentials not configured")

type Client struct {
	accountSID string
	authToken  string
	baseURL    string
	httpClient *http.Client
}

// New returns a client for cfg. httpClient may be nil.
func New(cfg config.TwilioConfig, httpClient *http.Client) (*Client, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, ErrNotConfigured
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		baseURL:    baseURL,
		httpClient: httpClient,
	}, nil
}

// Message is the subset of a Twilio message resource we read back.
type Message struct {
	SID    string `json:"sid"`
	To     string `json:"to"`
	From   string `json:"from"`
	Status string `json:"status"`
}

type Call struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

// Error is a Twilio API error body.
type Error struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("twilio error %d: %s", e.Code, e.Message)
}

// SendSMS sends body to the E.164 number to.
func (c *Client) SendSMS(ctx context.Context, from, to, body string) (Message, error) {
	data := url.Values{}
	data.Set("To", to)
	data.Set("From", from)
	data.Set("Body", body)

	var msg Message
	err := c.post(ctx, fmt.Sprintf("%s/Accounts/%s/Messages.json", c.baseURL, c.accountSID), data, &msg)
	return msg, err
}

// HangupCall completes an in-progress call.
func (c *Client) HangupCall(ctx context.Context, callSID string) error {
	data := url.Values{}
	data.Set("Status", "completed")
	var call Call
	return c.post(ctx, fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", c.baseURL, c.accountSID, url.PathEscape(callSID)), data, &call)
}

func (c *Client) post(ctx context.Context, endpoint string, data url.Values, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr Error
		if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Message == "" {
			return fmt.Errorf("twilio error: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		if apiErr.Status == 0 {
			apiErr.Status = resp.StatusCode
		}
		return &apiErr
	}
	if result != nil && len(body) > 0 {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}
