// ABOUTME: Scripted upstream agent for local development and E2E testing
// ABOUTME: Serves the SSE chat protocol and replays canned status/delta/sources/done sequences

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"
)

func main() {
	addr := flag.String("addr", "localhost:8000", "HTTP listen address")
	delay := flag.Duration("delay", 50*time.Millisecond, "Delay between streamed events")
	flag.Parse()

	if err := run(*addr, *delay); err != nil {
		log.Fatal(err)
	}
}

func run(addr string, delay time.Duration) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/chat/stream", func(w http.ResponseWriter, r *http.Request) {
		handleChatStream(w, r, delay)
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("fake-agent listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

type chatRequest struct {
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

// handleChatStream replays a canned response as SSE. The reply echoes the
// latest user message so conversations stay readable during manual testing.
func handleChatStream(w http.ResponseWriter, r *http.Request, delay time.Duration) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) == 0 {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	latest := req.Messages[len(req.Messages)-1].Content
	log.Printf("received chat request (%d messages): %s", len(req.Messages), latest)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")

	send := func(event, data string) bool {
		if r.Context().Err() != nil {
			return false
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		flusher.Flush()
		time.Sleep(delay)
		return true
	}

	if !send("status", `{"phase":"thinking","subtitle":"Thinking..."}`) {
		return
	}
	for _, fragment := range replyFragments(latest) {
		data, _ := json.Marshal(map[string]string{"delta": fragment})
		if !send("message_delta", string(data)) {
			return
		}
	}
	if !send("sources", `{"tools":["query_profile"]}`) {
		return
	}
	send("done", `{"done":true}`)
}

// replyFragments splits a canned echo reply into word-sized deltas.
func replyFragments(input string) []string {
	reply := fmt.Sprintf("You said: %s. Ask me anything about Bill.", input)
	words := strings.SplitAfter(reply, " ")
	return words
}
