// ABOUTME: HTTP handler for the streaming chat endpoint
// ABOUTME: Validates the request, enforces rate limits, and bridges the relay to an SSE response

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/billsbio/bio-gateway/internal/agent"
	"github.com/billsbio/bio-gateway/internal/relay"
	"github.com/billsbio/bio-gateway/internal/store"
)

// ChatStreamRequest is the JSON request body for POST /api/chat/stream.
type ChatStreamRequest struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
}

// parseChatRequest parses and validates a ChatStreamRequest from the reader.
func parseChatRequest(r io.Reader) (*ChatStreamRequest, error) {
	var req ChatStreamRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if req.ConversationID == "" {
		return nil, errors.New("conversation_id is required")
	}
	if req.Content == "" {
		return nil, errors.New("content is required")
	}
	return &req, nil
}

// sseSink writes relay events to the client as Server-Sent Events. Headers
// are written lazily on the first event so a pre-stream failure can still be
// reported as a JSON error response.
type sseSink struct {
	ctx     context.Context
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (s *sseSink) Send(ev *agent.Event) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	if !s.started {
		s.w.Header().Set("Content-Type", "text/event-stream")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.Header().Set("Connection", "keep-alive")
		s.w.Header().Set("X-Accel-Buffering", "no")
		s.started = true
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, ev.Data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// handleChatStream handles POST /api/chat/stream requests.
//
// The conversation must already exist; this endpoint never creates one. On
// success the upstream agent's event stream is relayed live as SSE,
// terminating in done or error. Failures before the first event map to JSON
// error responses: 400 for invalid input, 404 for an unknown conversation,
// 429 when rate limited, 502 when the agent is unreachable.
func (g *Gateway) handleChatStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if g.limiter != nil && !g.limiter.Allow(clientIP(r)) {
		if g.metrics != nil {
			g.metrics.rateLimited.Inc()
		}
		g.sendJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	req, err := parseChatRequest(r.Body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	start := time.Now()
	sink := &sseSink{ctx: r.Context(), w: w, flusher: flusher}
	err = g.relay.Run(r.Context(), req.ConversationID, req.Content, sink)

	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		outcome = "not_found"
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, relay.ErrUpstreamUnreachable):
		outcome = "upstream_unreachable"
		g.logger.Error("agent unreachable", "conversation_id", req.ConversationID, "error", err)
		g.sendJSONError(w, http.StatusBadGateway, "agent unavailable")
	default:
		outcome = "error"
		g.logger.Error("chat turn failed", "conversation_id", req.ConversationID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}

	if g.metrics != nil {
		g.metrics.observeTurn(outcome, time.Since(start))
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
