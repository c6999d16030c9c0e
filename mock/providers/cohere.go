package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
)

// newCohereHandler returns an http.Handler simulating the Cohere v2 API.
// Cohere streams typed SSE events (content-delta, message-end) rather than
// OpenAI-style chunks.
func newCohereHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	// POST /v2/chat
	mux.HandleFunc("/v2/chat", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeCohereError(w, http.StatusInternalServerError, "mock internal error")
			return
		}

		var req struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeCohereError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		id := fmt.Sprintf("msg-%x", rand.Int64())
		content := fakeSentence(cfg.StreamWords)
		inTokens := 10
		outTokens := cfg.StreamWords

		if req.Stream {
			serveCohereStream(w, id, content, inTokens, outTokens)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"id":            id,
			"finish_reason": "COMPLETE",
			"message": map[string]any{
				"role": "assistant",
				"content": []map[string]string{
					{"type": "text", "text": content},
				},
			},
			"usage": map[string]any{
				"tokens": map[string]int{
					"input_tokens":  inTokens,
					"output_tokens": outTokens,
				},
			},
		})
	})

	// POST /v2/embed
	mux.HandleFunc("/v2/embed", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeCohereError(w, http.StatusInternalServerError, "mock internal error")
			return
		}

		var req struct {
			Texts []string `json:"texts"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeCohereError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if len(req.Texts) == 0 {
			req.Texts = []string{""}
		}

		vecs := make([][]float32, len(req.Texts))
		for i := range vecs {
			vecs[i] = fakeEmbedding(1024)
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"id":         fmt.Sprintf("embd-%x", rand.Int64()),
			"embeddings": map[string]any{"float": vecs},
			"meta": map[string]any{
				"billed_units": map[string]int{"input_tokens": len(req.Texts) * 4},
			},
		})
	})

	// GET /v1/models — availability probe
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"models": []map[string]any{
				{"name": "command-r-plus"},
				{"name": "command-r"},
				{"name": "embed-english-v3.0"},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeCohereError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path))
	})

	return mux
}

func writeCohereError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

func serveCohereStream(w http.ResponseWriter, id, content string, inTokens, outTokens int) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	emit := func(ev map[string]any) {
		data, _ := json.Marshal(ev)
		fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	emit(map[string]any{"id": id, "type": "message-start"})

	for _, word := range strings.Fields(content) {
		emit(map[string]any{
			"type": "content-delta",
			"delta": map[string]any{
				"message": map[string]any{
					"content": map[string]string{"type": "text", "text": word + " "},
				},
			},
		})
	}

	emit(map[string]any{
		"type": "message-end",
		"delta": map[string]any{
			"finish_reason": "COMPLETE",
			"usage": map[string]any{
				"tokens": map[string]int{
					"input_tokens":  inTokens,
					"output_tokens": outTokens,
				},
			},
		},
	})
}
