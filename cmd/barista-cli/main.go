package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/loqalabs/loqa-barista/internal/bus"
	"github.com/loqalabs/loqa-barista/internal/config"
	"github.com/loqalabs/loqa-barista/internal/orders"
	"github.com/loqalabs/loqa-barista/internal/protocol"
)

var version = "0.1.0-dev"

const usage = "expected 'list', 'advance <n>', 'status <n> <status>', 'watch' or 'version'"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, usage)
		return 2
	}

	var (
		server     string
		configPath string
		all        bool
	)
	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&server, "server", envOr("BARISTA_SERVER", "http://localhost:8080"), "Base URL of baristad")
	fs.StringVar(&configPath, "config", "", "Configuration file for NATS settings (watch)")
	fs.BoolVar(&all, "all", false, "Include completed orders (list)")

	cmd := args[0]
	if cmd == "version" {
		fmt.Fprintln(stdout, version)
		return 0
	}
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	c := &client{base: strings.TrimRight(server, "/"), http: &http.Client{Timeout: 10 * time.Second}}

	var err error
	switch cmd {
	case "list":
		err = runList(c, all, stdout)
	case "advance":
		err = runAdvance(c, fs.Args(), stdout)
	case "status":
		err = runStatus(c, fs.Args(), stdout)
	case "watch":
		err = runWatch(configPath, stdout)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		return 2
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

func runList(c *client, all bool, out io.Writer) error {
	path := "/orders/in_progress.json"
	if all {
		path = "/orders.json"
	}
	var list []protocol.OrderView
	if err := c.do(http.MethodGet, path, nil, &list); err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(out, "no orders")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ORDER\tSTATUS\tDRINKS\tPHONE\tPLACED")
	for _, o := range list {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\n", o.Number, o.Status, o.Drinks, o.Phone, o.CreatedAt.Local().Format("15:04:05"))
	}
	return tw.Flush()
}

func runAdvance(c *client, args []string, out io.Writer) error {
	if len(args) != 1 {
		return errors.New("usage: advance <order number>")
	}
	number, err := parseNumber(args[0])
	if err != nil {
		return err
	}
	var current protocol.OrderView
	if err := c.do(http.MethodGet, fmt.Sprintf("/api/orders/%d", number), nil, &current); err != nil {
		return err
	}
	next, ok := current.Status.Next()
	if !ok {
		return fmt.Errorf("order #%d is already %s", number, current.Status)
	}
	return setStatus(c, number, next, out)
}

func runStatus(c *client, args []string, out io.Writer) error {
	if len(args) != 2 {
		return errors.New("usage: status <order number> <placed|preparing|ready|completed>")
	}
	number, err := parseNumber(args[0])
	if err != nil {
		return err
	}
	status := orders.Status(strings.ToLower(args[1]))
	if !status.Valid() {
		return fmt.Errorf("unknown status %q", args[1])
	}
	return setStatus(c, number, status, out)
}

func setStatus(c *client, number int, status orders.Status, out io.Writer) error {
	var view protocol.OrderView
	if err := c.do(http.MethodPost, fmt.Sprintf("/api/orders/%d/status", number), protocol.StatusUpdate{Status: status}, &view); err != nil {
		return err
	}
	fmt.Fprintf(out, "order #%d is now %s\n", view.Number, view.Status)
	return nil
}

// runWatch prints order events from NATS until interrupted.
func runWatch(configPath string, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := bus.Connect(ctx, cfg.Bus, "barista-cli", logger)
	if err != nil {
		return err
	}
	defer client.Close()

	unsubscribe, err := client.Subscribe(cfg.Bus.SubjectPrefix+".>", func(subject string, data []byte) {
		var evt protocol.OrderEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			fmt.Fprintf(out, "%s: undecodable event: %v\n", subject, err)
			return
		}
		fmt.Fprintf(out, "%s  #%d  %s  %d drinks\n", evt.At.Local().Format("15:04:05"), evt.Order.Number, evt.Order.Status, evt.Order.Drinks)
	})
	if err != nil {
		return err
	}
	defer unsubscribe()

	fmt.Fprintf(out, "watching %s.>\n", cfg.Bus.SubjectPrefix)
	<-ctx.Done()
	return nil
}

type client struct {
	base string
	http *http.Client
}

func (c *client) do(method, path string, body, result any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr protocol.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return errors.New(apiErr.Error)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}
	if result == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

func parseNumber(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(s, "#"))
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid order number %q", s)
	}
	return n, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
