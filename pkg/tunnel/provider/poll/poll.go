// Package poll implements the HTTP long-polling transport driver.
//
// The driver holds a GET against the poll endpoint with a resume
// cursor; the server parks the request until messages arrive or its
// wait window lapses, then returns a batch plus the next cursor.
// Subscribe/unsubscribe/publish are plain POSTs. Long-polling is the
// lowest-fidelity transport: no presence, highest latency class, but
// it traverses almost any middlebox.
package poll

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftlabs/tunnel/pkg/tunnel/provider"
)

// Config configures the long-polling driver.
type Config struct {
	URL            string        // endpoint base, e.g. https://rt.example.com/lp
	Token          string        // bearer token, empty for anonymous
	WaitTimeout    time.Duration // how long the server may park one poll
	RequestTimeout time.Duration // control request timeout
	BufferSize     int           // inbound message channel capacity
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		WaitTimeout:    25 * time.Second,
		RequestTimeout: 10 * time.Second,
		BufferSize:     1000,
	}
}

// pollResponse is one poll batch from the server.
type pollResponse struct {
	Cursor   int64              `json:"cursor"`
	Messages []provider.Message `json:"messages"`
}

// Adapter is the long-polling implementation of provider.Adapter.
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

// New creates a long-polling driver.
func New(cfg Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.WaitTimeout == 0 {
		cfg.WaitTimeout = DefaultConfig().WaitTimeout
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	return &Adapter{
		cfg:      cfg,
		logger:   logger.With("provider", "longpoll"),
		client:   &http.Client{},
		messages: make(chan provider.Message, cfg.BufferSize),
		errors:   make(chan error, 1),
	}
}

// ID implements provider.Adapter.
func (a *Adapter) ID() string { return "longpoll" }

// Capabilities implements provider.Adapter.
func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{Presence: false, Binary: false}
}

// Connect registers the client and starts the poll loop.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.connected {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	clientID := uuid.NewString()

	// The handshake doubles as reachability check.
	if err := a.post(ctx, "/connect", controlRequest{ClientID: clientID}); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	a.mu.Lock()
	a.connected = true
	a.clientID = clientID
	a.cancel = cancel
	a.mu.Unlock()

	go a.pollLoop(loopCtx, clientID)

	a.logger.Debug("longpoll session open", "url", a.cfg.URL, "client_id", clientID)
	return nil
}

// Disconnect stops the poll loop. Idempotent.
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
	a.mu.RLock()
	clientID := a.clientID
	connected := a.connected
	a.mu.RUnlock()
	if !connected {
		return &provider.SendError{Provider: a.ID(), Channel: msg.Channel, Err: provider.ErrNotConnected}
	}

	if err := a.post(ctx, "/publish", controlRequest{ClientID: clientID, Message: &msg}); err != nil {
		if provider.IsAuthorization(err) {
			return err
		}
		return &provider.SendError{Provider: a.ID(), Channel: msg.Channel, Err: err}
	}
	return nil
}

// Subscribe registers a channel for this client's polls.
func (a *Adapter) Subscribe(ctx context.Context, channel string) error {
	return a.controlForChannel(ctx, "/subscribe", channel)
}

// Unsubscribe removes a channel from this client's polls.
func (a *Adapter) Unsubscribe(ctx context.Context, channel string) error {
	return a.controlForChannel(ctx, "/unsubscribe", channel)
}

// Ping measures a round trip against the control endpoint.
func (a *Adapter) Ping(ctx context.Context) (time.Duration, error) {
	a.mu.RLock()
	clientID := a.clientID
	connected := a.connected
	a.mu.RUnlock()
	if !connected {
		return 0, provider.ErrNotConnected
	}

	start := time.Now()
	if err := a.post(ctx, "/ping", controlRequest{ClientID: clientID}); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Messages implements provider.Adapter.
func (a *Adapter) Messages() <-chan provider.Message { return a.messages }

// Errors implements provider.Adapter.
func (a *Adapter) Errors() <-chan error { return a.errors }

func (a *Adapter) controlForChannel(ctx context.Context, path, channel string) error {
	a.mu.RLock()
	clientID := a.clientID
	connected := a.connected
	a.mu.RUnlock()
	if !connected {
		return provider.ErrNotConnected
	}
	return a.post(ctx, path, controlRequest{ClientID: clientID, Channel: channel})
}

// controlRequest is the body of every control POST.
type controlRequest struct {
	ClientID string            `json:"client_id"`
	Channel  string            `json:"channel,omitempty"`
	Message  *provider.Message `json:"message,omitempty"`
}

// post issues one control POST.
func (a *Adapter) post(ctx context.Context, path string, body controlRequest) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
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
			return &provider.TimeoutError{Provider: a.ID(), Op: strings.TrimPrefix(path, "/"), After: a.cfg.RequestTimeout}
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

// pollLoop repeatedly parks a GET and forwards returned batches.
func (a *Adapter) pollLoop(ctx context.Context, clientID string) {
	var cursor int64

	for {
		if ctx.Err() != nil {
			return
		}

		batch, err := a.poll(ctx, clientID, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.reportError(err)
			return
		}

		cursor = batch.Cursor
		for _, msg := range batch.Messages {
			select {
			case a.messages <- msg:
			case <-ctx.Done():
				return
			default:
				a.logger.Warn("message buffer full, dropping", "channel", msg.Channel)
			}
		}
	}
}

// poll parks one GET until the server responds or the wait lapses.
func (a *Adapter) poll(ctx context.Context, clientID string, cursor int64) (pollResponse, error) {
	// Allow slack beyond the server's park window before giving up.
	reqCtx, cancel := context.WithTimeout(ctx, a.cfg.WaitTimeout+a.cfg.RequestTimeout)
	defer cancel()

	url := a.cfg.URL + "/poll?client_id=" + clientID + "&cursor=" + strconv.FormatInt(cursor, 10)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return pollResponse{}, err
	}
	if a.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.Token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return pollResponse{}, &provider.ConnectionError{Provider: a.ID(), Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		return pollResponse{Cursor: cursor}, nil
	default:
		return pollResponse{}, &provider.ConnectionError{
			Provider: a.ID(),
			Err:      fmt.Errorf("poll returned %s", resp.Status),
		}
	}

	var batch pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return pollResponse{}, &provider.ConnectionError{Provider: a.ID(), Err: err}
	}
	return batch, nil
}

func (a *Adapter) reportError(err error) {
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()

	select {
	case a.errors <- err:
	default:
	}
}
