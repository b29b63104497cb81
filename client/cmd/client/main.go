package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/facerelay/facerelay/client/internal/config"
	"github.com/facerelay/facerelay/client/internal/conn"
	"github.com/facerelay/facerelay/client/internal/outbox"
	"github.com/facerelay/facerelay/pkg/types"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	server := flag.String("server", "", "relay base URL, overrides client.server_url")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *server != "" {
		cfg.Client.ServerURL = *server
	}

	// stdout carries the event stream, so logs go to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.Client.LogLevel)}))
	slog.SetDefault(logger)

	url, err := cfg.Client.WebsocketURL()
	if err != nil {
		slog.Error("invalid server url", "err", err)
		os.Exit(1)
	}
	slog.Info("facerelay-client starting", "url", url, "buffer_size", cfg.Client.BufferSize)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dial := func(ctx context.Context) (outbox.Session, error) {
		dctx, dcancel := context.WithTimeout(ctx, cfg.Client.DialTimeout)
		defer dcancel()
		c, err := conn.Dial(dctx, url)
		if err != nil {
			return nil, err
		}
		slog.Info("joined relay", "socket_id", c.ID())
		return c, nil
	}

	out := newPrinter(os.Stdout)
	box := outbox.New(cfg.Client.BufferSize, dial, out.print)

	go readInput(ctx, os.Stdin, box)

	box.Run(ctx)
	slog.Info("facerelay-client shutting down", "unsent", box.Len())
}

// printer writes one JSON line per received event.
type printer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newPrinter(w io.Writer) *printer {
	return &printer{enc: json.NewEncoder(w)}
}

func (p *printer) print(ev types.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enc.Encode(ev); err != nil {
		slog.Warn("write event", "err", err)
	}
}

// readInput pushes one event per input line until r is exhausted.
func readInput(ctx context.Context, r io.Reader, box *outbox.Outbox) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		ev, err := parseLine(sc.Text())
		if errors.Is(err, errBlankLine) {
			continue
		}
		if err != nil {
			slog.Warn("skipping input line", "err", err)
			continue
		}
		box.Push(ev)
	}
	if err := sc.Err(); err != nil {
		slog.Warn("stdin read failed", "err", err)
	}
}

var errBlankLine = errors.New("blank line")

// parseLine reads "<name> <json-payload>". The payload is optional and
// defaults to null.
func parseLine(line string) (types.Event, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return types.Event{}, errBlankLine
	}
	name, payload, _ := strings.Cut(line, " ")
	payload = strings.TrimSpace(payload)
	if payload != "" && !json.Valid([]byte(payload)) {
		return types.Event{}, fmt.Errorf("event %q: payload is not valid JSON", name)
	}
	return types.NewEvent(name, json.RawMessage(payload)), nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
