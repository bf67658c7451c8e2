package livefeed

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// ClientConfig configures an SSE feed Client.
type ClientConfig struct {
	URL            string
	HTTPClient     *http.Client
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// OnReconnect runs after every successful reconnect, not after the first connect.
	// Missed events are not replayed, so this is where consumers re-pull state.
	OnReconnect func()
	Logger      *logrus.Entry
}

// Client consumes a live feed stream and reconnects with exponential backoff.
type Client struct {
	cfg ClientConfig
	log *logrus.Entry
}

// NewClient creates a Client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.HTTPClient == nil {
		// no timeout: the stream is long-lived
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{cfg: cfg, log: log}
}

// Run streams events to handle until ctx is cancelled, reconnecting on any failure.
// handle is called from a single goroutine.
func (c *Client) Run(ctx context.Context, handle func(Event)) error {
	backoff := c.cfg.InitialBackoff
	connected := false

	for {
		err := c.stream(ctx, func(ev Event) {
			if ev.Type == EventConnection {
				if connected && c.cfg.OnReconnect != nil {
					c.cfg.OnReconnect()
				}
				connected = true
				backoff = c.cfg.InitialBackoff
			}
			handle(ev)
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.log.WithError(err).WithField("retry_in", backoff).Warn("feed disconnected")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

// stream reads one connection until it ends.
func (c *Client) stream(ctx context.Context, handle func(Event)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			if data.Len() > 0 {
				c.dispatch(data.Bytes(), handle)
				data.Reset()
			}
			continue
		}
		if payload, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.Write(bytes.TrimPrefix(payload, []byte(" ")))
		}
		// comments and other fields are ignored
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return fmt.Errorf("stream closed by server")
}

func (c *Client) dispatch(raw []byte, handle func(Event)) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		c.log.WithError(err).Debug("skip malformed event")
		return
	}
	handle(ev)
}
