// ABOUTME: HTTP handlers for the conversation CRUD surface
// ABOUTME: Serves /api/conversations and per-conversation message routes for the site UI

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/billsbio/bio-gateway/internal/store"
)

// ConversationResponse is the JSON shape for a conversation.
type ConversationResponse struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// MessageResponse is the JSON shape for a message.
type MessageResponse struct {
	ID             string   `json:"id"`
	ConversationID string   `json:"conversation_id"`
	Role           string   `json:"role"`
	Content        string   `json:"content"`
	Sources        []string `json:"sources,omitempty"`
	CreatedAt      string   `json:"created_at"`
}

// ConversationDetailResponse is the JSON response for GET /api/conversations/{id}.
type ConversationDetailResponse struct {
	ConversationResponse
	Messages []MessageResponse `json:"messages"`
}

// CreateConversationRequest is the JSON body for POST /api/conversations.
type CreateConversationRequest struct {
	Title string `json:"title"`
}

// UpdateConversationRequest is the JSON body for PATCH /api/conversations/{id}.
type UpdateConversationRequest struct {
	Title string `json:"title"`
}

// AppendMessageRequest is the JSON body for POST /api/conversations/{id}/messages.
type AppendMessageRequest struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Sources []string `json:"sources,omitempty"`
}

func conversationResponse(c *store.Conversation) ConversationResponse {
	return ConversationResponse{
		ID:        c.ID,
		Title:     c.Title,
		CreatedAt: c.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt: c.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func messageResponse(m *store.Message) MessageResponse {
	return MessageResponse{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Role:           m.Role,
		Content:        m.Content,
		Sources:        m.Sources,
		CreatedAt:      m.CreatedAt.Format(time.RFC3339Nano),
	}
}

// handleConversations routes collection requests by HTTP method.
func (g *Gateway) handleConversations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		g.handleListConversations(w, r)
	case http.MethodPost:
		g.handleCreateConversation(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleListConversations handles GET /api/conversations, most recently
// updated first. Supports ?limit=N (default 50, max 1000).
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
		if limit > 1000 {
			limit = 1000
		}
	}

	convs, err := g.store.ListConversations(r.Context(), limit)
	if err != nil {
		g.logger.Error("failed to list conversations", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]ConversationResponse, len(convs))
	for i, c := range convs {
		response[i] = conversationResponse(c)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

// handleCreateConversation handles POST /api/conversations.
func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	conv, err := g.store.CreateConversation(r.Context(), req.Title)
	if err != nil {
		g.logger.Error("failed to create conversation", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(conversationResponse(conv))
}

// handleConversationRoutes dispatches /api/conversations/{id} and
// /api/conversations/{id}/messages.
func (g *Gateway) handleConversationRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	if rest == "" {
		g.sendJSONError(w, http.StatusBadRequest, "conversation id is required")
		return
	}

	id, sub, _ := strings.Cut(rest, "/")
	switch {
	case sub == "":
		g.handleConversation(w, r, id)
	case sub == "messages":
		g.handleConversationMessages(w, r, id)
	default:
		g.sendJSONError(w, http.StatusNotFound, "not found")
	}
}

// handleConversation routes single-conversation requests by HTTP method.
func (g *Gateway) handleConversation(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		g.handleGetConversation(w, r, id)
	case http.MethodPatch:
		g.handleUpdateConversation(w, r, id)
	case http.MethodDelete:
		g.handleDeleteConversation(w, r, id)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleGetConversation handles GET /api/conversations/{id}, returning the
// conversation and its messages in creation order.
func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request, id string) {
	conv, err := g.store.GetConversation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to get conversation", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	msgs, err := g.store.GetMessages(r.Context(), id)
	if err != nil {
		g.logger.Error("failed to get messages", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := ConversationDetailResponse{
		ConversationResponse: conversationResponse(conv),
		Messages:             make([]MessageResponse, len(msgs)),
	}
	for i, m := range msgs {
		response.Messages[i] = messageResponse(m)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

// handleUpdateConversation handles PATCH /api/conversations/{id}.
func (g *Gateway) handleUpdateConversation(w http.ResponseWriter, r *http.Request, id string) {
	var req UpdateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Title == "" {
		g.sendJSONError(w, http.StatusBadRequest, "title is required")
		return
	}

	err := g.store.UpdateConversationTitle(r.Context(), id, req.Title)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to update conversation", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	conv, err := g.store.GetConversation(r.Context(), id)
	if err != nil {
		g.logger.Error("failed to reload conversation", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(conversationResponse(conv))
}

// handleDeleteConversation handles DELETE /api/conversations/{id}.
func (g *Gateway) handleDeleteConversation(w http.ResponseWriter, r *http.Request, id string) {
	err := g.store.DeleteConversation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to delete conversation", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleConversationMessages routes message requests by HTTP method.
func (g *Gateway) handleConversationMessages(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		g.handleGetMessages(w, r, id)
	case http.MethodPost:
		g.handleAppendMessage(w, r, id)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleGetMessages handles GET /api/conversations/{id}/messages.
func (g *Gateway) handleGetMessages(w http.ResponseWriter, r *http.Request, id string) {
	msgs, err := g.store.GetMessages(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to get messages", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]MessageResponse, len(msgs))
	for i, m := range msgs {
		response[i] = messageResponse(m)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

// handleAppendMessage handles POST /api/conversations/{id}/messages.
func (g *Gateway) handleAppendMessage(w http.ResponseWriter, r *http.Request, id string) {
	var req AppendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Content == "" {
		g.sendJSONError(w, http.StatusBadRequest, "content is required")
		return
	}
	if !store.ValidRole(req.Role) {
		g.sendJSONError(w, http.StatusBadRequest, "role must be user or assistant")
		return
	}

	msg, err := g.store.AppendMessage(r.Context(), id, req.Role, req.Content, req.Sources)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to append message", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(messageResponse(msg))
}
