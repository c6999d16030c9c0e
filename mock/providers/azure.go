package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// newAzureHandler returns an http.Handler simulating the Azure OpenAI API.
// Azure uses the OpenAI wire format behind per-deployment paths:
//
//	/openai/deployments/{deployment}/chat/completions?api-version=...
//	/openai/deployments/{deployment}/embeddings?api-version=...
func newAzureHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/openai/deployments/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeError(w, http.StatusInternalServerError, "mock internal error", "server_error")
			return
		}
		if r.URL.Query().Get("api-version") == "" {
			writeError(w, http.StatusBadRequest, "api-version query parameter is required", "invalid_request")
			return
		}

		rest := strings.TrimPrefix(r.URL.Path, "/openai/deployments/")
		deployment, op, ok := strings.Cut(rest, "/")
		if !ok || deployment == "" {
			writeError(w, http.StatusNotFound, "unknown deployment path", "not_found")
			return
		}

		switch op {
		case "chat/completions":
			serveAzureChat(w, r, cfg, deployment)
		case "embeddings":
			serveAzureEmbeddings(w, r, deployment)
		default:
			writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown operation %s", op), "not_found")
		}
	})

	// GET /openai/models — availability probe
	mux.HandleFunc("/openai/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"object": "list",
			"data": []map[string]any{
				{"id": "gpt-4o", "object": "model"},
				{"id": "gpt-4o-mini", "object": "model"},
				{"id": "gpt-35-turbo", "object": "model"},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "not_found")
	})

	return mux
}

func serveAzureChat(w http.ResponseWriter, r *http.Request, cfg Config, deployment string) {
	var req struct {
		Stream bool `json:"stream"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
		return
	}

	id := fmt.Sprintf("chatcmpl-az%x", rand.Int64())
	content := fakeSentence(cfg.StreamWords)
	inTokens := 10
	outTokens := cfg.StreamWords

	if req.Stream {
		serveOpenAIStream(w, id, deployment, content)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   deployment,
		"choices": []map[string]any{
			{
				"index": 0,
				"message": map[string]string{
					"role":    "assistant",
					"content": content,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{
			"prompt_tokens":     inTokens,
			"completion_tokens": outTokens,
			"total_tokens":      inTokens + outTokens,
		},
	})
}

func serveAzureEmbeddings(w http.ResponseWriter, r *http.Request, deployment string) {
	var req struct {
		Input []string `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
		return
	}
	if len(req.Input) == 0 {
		req.Input = []string{""}
	}

	data := make([]map[string]any, len(req.Input))
	for i := range req.Input {
		data[i] = map[string]any{
			"object":    "embedding",
			"index":     i,
			"embedding": fakeEmbedding(1536),
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   data,
		"model":  deployment,
		"usage": map[string]int{
			"prompt_tokens": len(req.Input) * 5,
			"total_tokens":  len(req.Input) * 5,
		},
	})
}
