// Package sse implements the Server-Sent Events transport driver.
//
// Receive path: one long-lived GET against the stream endpoint with
// Accept: text/event-stream; each event's data field is a wire-level
// message. Control path: subscribe/unsubscribe/publish go over plain
// HTTP POSTs carrying the client ID assigned at connect time. SSE has
// no presence support; the capability profile says so and the manager
// degrades around it.
package sse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftlabs/tunnel/pkg/tunnel/provider"
)

// Config configures the SSE driver.
type Config struct {
	URL            string        // endpoint base, e.g. https://rt.example.com/sse
	Token          string        // bearer token, empty for anonymous
	ConnectTimeout time.Duration // header wait for the stream GET
	RequestTimeout time.Duration // control request timeout
	BufferSize     int           // inbound message channel capacity
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 10 * time.Second,
		RequestTimeout: 10 * time.Second,
		BufferSize:     1000,
	}
}

// Adapter is the SSE implementation of provider.Adapter.
type Adapter struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client

	messages chan provider.Message
	errors   chan error

	mu        sync.RWMutex
	connected bool
	clientID  string
	cancel    context.CancelFunc
}

// New creates an SSE driver.
func New(cfg Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BufferSize == 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	return &Adapter{
		cfg:      cfg,
		logger:   logger.With("provider", "sse"),
		client:   &http.Client{},
		messages: make(chan provider.Message, cfg.BufferSize),
		errors:   make(chan error, 1),
	}
}

// ID implements provider.Adapter.
func (a *Adapter) ID() string { return "sse" }

// Capabilities implements provider.Adapter.
func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{Presence: false, Binary: false}
}

// Connect opens the event stream.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.connected {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	clientID := uuid.NewString()

	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, a.cfg.URL+"/stream?client_id="+clientID, nil)
	if err != nil {
		cancel()
		return &provider.ConnectionError{Provider: a.ID(), Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if a.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.Token)
	}

	// Bound the header wait without killing the stream afterwards.
	// Caller cancellation also applies until the stream is open.
	headerTimer := time.AfterFunc(a.cfg.ConnectTimeout, cancel)
	stopWatch := context.AfterFunc(ctx, cancel)
	resp, err := a.client.Do(req)
	timedOut := !headerTimer.Stop()
	stopWatch()
	if err != nil {
		cancel()
		if timedOut {
			return &provider.TimeoutError{Provider: a.ID(), Op: "connect", After: a.cfg.ConnectTimeout}
		}
		return &provider.ConnectionError{Provider: a.ID(), Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return &provider.ConnectionError{
			Provider: a.ID(),
			Err:      fmt.Errorf("stream returned %s", resp.Status),
		}
	}

	a.mu.Lock()
	a.connected = true
	a.clientID = clientID
	a.cancel = cancel
	a.mu.Unlock()

	go a.readLoop(resp.Body)

	a.logger.Debug("sse stream open", "url", a.cfg.URL, "client_id", clientID)
	return nil
}

// Disconnect tears down the stream. Idempotent.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil
	}
	a.connected = false
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// Send publishes a message via the control endpoint.
func (a *Adapter) Send(ctx context.Context, msg provider.Message) error {
	if err := a.control(ctx, "/publish", controlRequest{Message: &msg}); err != nil {
		if provider.IsAuthorization(err) {
			return err
		}
		return &provider.SendError{Provider: a.ID(), Channel: msg.Channel, Err: err}
	}
	return nil
}

// Subscribe registers a channel for this client's stream.
func (a *Adapter) Subscribe(ctx context.Context, channel string) error {
	return a.control(ctx, "/subscribe", controlRequest{Channel: channel})
}

// Unsubscribe removes a channel from this client's stream.
func (a *Adapter) Unsubscribe(ctx context.Context, channel string) error {
	return a.control(ctx, "/unsubscribe", controlRequest{Channel: channel})
}

// Ping measures a round trip against the control endpoint.
func (a *Adapter) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := a.control(ctx, "/ping", controlRequest{}); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Messages implements provider.Adapter.
func (a *Adapter) Messages() <-chan provider.Message { return a.messages }

// Errors implements provider.Adapter.
func (a *Adapter) Errors() <-chan error { return a.errors }

// controlRequest is the body of every control POST.
type controlRequest struct {
	ClientID string            `json:"client_id"`
	Channel  string            `json:"channel,omitempty"`
	Message  *provider.Message `json:"message,omitempty"`
}

// control issues one POST against a control path.
func (a *Adapter) control(ctx context.Context, path string, body controlRequest) error {
	a.mu.RLock()
	connected := a.connected
	body.ClientID = a.clientID
	a.mu.RUnlock()
	if !connected {
		return provider.ErrNotConnected
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	timeout := a.cfg.RequestTimeout
	if timeout == 0 {
		timeout = DefaultConfig().RequestTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, a.cfg.URL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.Token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return &provider.TimeoutError{Provider: a.ID(), Op: strings.TrimPrefix(path, "/"), After: timeout}
		}
		return &provider.ConnectionError{Provider: a.ID(), Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		reason, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return &provider.AuthorizationError{
			Provider: a.ID(),
			Channel:  body.Channel,
			Reason:   strings.TrimSpace(string(reason)),
		}
	default:
		return &provider.ConnectionError{
			Provider: a.ID(),
			Err:      fmt.Errorf("%s returned %s", path, resp.Status),
		}
	}
}

// readLoop parses the event stream until it ends.
func (a *Adapter) readLoop(body io.ReadCloser) {
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			if data.Len() > 0 {
				a.dispatch(data.Bytes())
				data.Reset()
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, ":"):
			// Comment/keepalive line.
		}
	}

	a.mu.Lock()
	wasConnected := a.connected
	a.connected = false
	a.mu.Unlock()

	if wasConnected {
		err := scanner.Err()
		if err == nil {
			err = io.EOF
		}
		select {
		case a.errors <- &provider.ConnectionError{Provider: a.ID(), Err: err}:
		default:
		}
	}
}

// dispatch decodes one event payload into a message.
func (a *Adapter) dispatch(data []byte) {
	var msg provider.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		a.logger.Debug("dropping unparseable event", "error", err)
		return
	}
	select {
	case a.messages <- msg:
	default:
		a.logger.Warn("message buffer full, dropping", "channel", msg.Channel)
	}
}
