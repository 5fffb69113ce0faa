// ABOUTME: Terminal chat client for bio-gateway
// ABOUTME: Creates or resumes a conversation and renders the SSE event stream with color

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
)

// chatRequest is the JSON body sent to POST /api/chat/stream.
type chatRequest struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
}

// createConversationRequest is the JSON body sent to POST /api/conversations.
type createConversationRequest struct {
	Title string `json:"title"`
}

// conversationInfo is the JSON response for conversation operations.
type conversationInfo struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

func main() {
	server := flag.String("server", "http://localhost:8080", "Gateway server URL")
	conversationID := flag.String("conversation", "", "Existing conversation ID to resume")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *server, *conversationID); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nGoodbye!")
}

func run(ctx context.Context, server, conversationID string) error {
	if conversationID == "" {
		conv, err := createConversation(ctx, server)
		if err != nil {
			return fmt.Errorf("creating conversation: %w", err)
		}
		conversationID = conv.ID
	}

	fmt.Printf("bio-chat connected to %s\n", server)
	color.HiBlack("conversation: %s", conversationID)
	fmt.Println("Type a message and press Enter. Ctrl+C to quit.")
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")

		inputCh := make(chan string, 1)
		errCh := make(chan error, 1)
		go func() {
			if scanner.Scan() {
				inputCh <- scanner.Text()
			} else if err := scanner.Err(); err != nil {
				errCh <- err
			} else {
				errCh <- io.EOF
			}
		}()

		var input string
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-inputCh:
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if input == "/quit" || input == "/exit" || input == "/q" {
			return nil
		}

		if err := streamTurn(ctx, server, conversationID, input); err != nil {
			color.Red("error: %v", err)
		}
		fmt.Println()
	}
}

func createConversation(ctx context.Context, server string) (*conversationInfo, error) {
	body, err := json.Marshal(createConversationRequest{Title: "bio-chat session"})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server+"/api/conversations", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var conv conversationInfo
	if err := json.NewDecoder(resp.Body).Decode(&conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// streamTurn posts one chat turn and renders the SSE response as it arrives.
func streamTurn(ctx context.Context, server, conversationID, content string) error {
	body, err := json.Marshal(chatRequest{ConversationID: conversationID, Content: content})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server+"/api/chat/stream", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	return renderStream(resp.Body)
}

// renderStream decodes SSE frames and prints them as they arrive.
func renderStream(body io.Reader) error {
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
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:"))...)
		case line == "":
			if eventName == "" && len(data) == 0 {
				continue
			}
			renderEvent(eventName, data)
			if eventName == "done" || eventName == "error" {
				return nil
			}
			eventName, data = "", nil
		}
	}
	return scanner.Err()
}

func renderEvent(name string, data []byte) {
	switch name {
	case "status":
		var payload struct {
			Subtitle string `json:"subtitle"`
			Phase    string `json:"phase"`
		}
		_ = json.Unmarshal(data, &payload)
		if payload.Subtitle != "" {
			color.HiBlack("  %s", payload.Subtitle)
		} else {
			color.HiBlack("  %s", payload.Phase)
		}

	case "message_delta":
		var payload struct {
			Delta string `json:"delta"`
		}
		_ = json.Unmarshal(data, &payload)
		fmt.Print(payload.Delta)

	case "sources":
		var payload struct {
			Tools   []string `json:"tools"`
			Sources []string `json:"sources"`
		}
		_ = json.Unmarshal(data, &payload)
		sources := payload.Tools
		if len(sources) == 0 {
			sources = payload.Sources
		}
		if len(sources) > 0 {
			fmt.Println()
			color.HiBlack("  sources: %s", strings.Join(sources, ", "))
		}

	case "done":
		fmt.Println()

	case "error":
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &payload)
		fmt.Println()
		color.Red("  error: %s", payload.Error)
	}
}
