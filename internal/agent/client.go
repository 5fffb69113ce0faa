// ABOUTME: HTTP client for the upstream agent's streaming chat API
// ABOUTME: Opens one SSE connection per turn and decodes events with an idle-timeout watchdog

package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// ErrUnreachable is returned when the agent cannot be reached or refuses the
// streaming request before any event is received.
var ErrUnreachable = errors.New("agent unreachable")

// Message is one entry of the conversation history sent to the agent.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest is the JSON body for POST /chat/stream.
type chatRequest struct {
	Messages []Message `json:"messages"`
}

// Client talks to the upstream agent over HTTP.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	idleTimeout time.Duration
	logger      *slog.Logger
}

// NewClient creates an agent client. idleTimeout bounds the gap between
// consecutive stream events; connectTimeout bounds connection establishment.
// Pass nil logger for default.
func NewClient(baseURL string, idleTimeout, connectTimeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			// No overall timeout: the response body is a long-lived stream.
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: connectTimeout,
				}).DialContext,
				ResponseHeaderTimeout: connectTimeout,
			},
		},
		idleTimeout: idleTimeout,
		logger:      logger.With("component", "agent"),
	}
}

// StreamChat opens a streaming chat call for one turn. history is the
// conversation so far; content is the new user message, appended last.
//
// The returned channel yields events in arrival order and is closed after a
// terminal event. If the stream breaks without an explicit terminal event
// (abnormal close, idle timeout), a synthesized error event is the last one
// delivered. Cancelling ctx tears down the upstream connection; no synthetic
// terminal event is sent in that case.
//
// Returns ErrUnreachable (wrapped) if the connection cannot be established.
func (c *Client) StreamChat(ctx context.Context, history []Message, content string) (<-chan *Event, error) {
	msgs := make([]Message, 0, len(history)+1)
	msgs = append(msgs, history...)
	msgs = append(msgs, Message{Role: "user", Content: content})

	body, err := json.Marshal(chatRequest{Messages: msgs})
	if err != nil {
		return nil, fmt.Errorf("encoding chat request: %w", err)
	}

	// Derived context so the idle watchdog can tear the connection down.
	streamCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost, c.baseURL+"/chat/stream", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnreachable, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	events := make(chan *Event, 16)
	go c.readStream(ctx, cancel, resp.Body, events)
	return events, nil
}

// readStream decodes SSE frames from the response body onto the events channel.
// callerCtx is the caller's context (without the watchdog cancel layered on),
// used to distinguish caller cancellation from an idle-timeout teardown.
func (c *Client) readStream(callerCtx context.Context, cancel context.CancelFunc, body io.ReadCloser, events chan<- *Event) {
	defer close(events)
	defer body.Close()
	defer cancel()

	var timedOut atomic.Bool
	watchdog := time.AfterFunc(c.idleTimeout, func() {
		timedOut.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	deliver := func(ev *Event) bool {
		select {
		case events <- ev:
			return true
		case <-callerCtx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventName string
	var data []byte

	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))

		case strings.HasPrefix(line, "data:"):
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:"))...)

		case line == "":
			if eventName == "" && len(data) == 0 {
				continue
			}
			ev, err := parseEvent(eventName, data)
			eventName, data = "", nil
			if err != nil {
				c.logger.Warn("dropping malformed agent event", "error", err)
				continue
			}

			watchdog.Reset(c.idleTimeout)
			if !deliver(ev) {
				return
			}
			if ev.Terminal() {
				return
			}
		}
	}

	// Stream ended without a terminal event.
	if callerCtx.Err() != nil {
		return // caller cancelled; nothing to report
	}
	if timedOut.Load() {
		deliver(ErrorEvent("idle timeout waiting for agent event"))
		return
	}
	deliver(ErrorEvent("agent stream closed before done"))
}

// Health probes the agent's /health endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health status %d", ErrUnreachable, resp.StatusCode)
	}
	return nil
}
