package proxy

import (
	"bufio"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/modelrelay/gateway/internal/filter"
	"github.com/modelrelay/gateway/internal/providers"
	"github.com/modelrelay/gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

const sseDone = "data: [DONE]\n\n"

// streamOutcome summarizes a drained stream for usage accounting.
type streamOutcome struct {
	// Usage holds the provider-reported counts if a usage chunk arrived;
	// zero otherwise.
	Usage providers.Usage

	// EstimatedCompletionTokens is the local estimate over accumulated text,
	// used when the provider reported nothing.
	EstimatedCompletionTokens int

	// Blocked is true when the accumulated completion text failed the
	// content filter at stream end.
	Blocked bool

	// ClientGone is true when the downstream write failed: the client
	// disconnected before the stream finished.
	ClientGone bool

	// Err is a mid-stream failure, nil on clean termination.
	Err error
}

// writeSSE forwards stream events to the client as Server-Sent Events, one
// JSON chunk per data event, terminated by "data: [DONE]".
//
// Chunks are flushed as they arrive; nothing is buffered. A mid-stream error
// terminates the stream with an error envelope event instead of [DONE]: the
// client has already observed partial output, so there is no replay. The
// accumulated completion text is run through the content filter at stream
// end; a block suppresses the [DONE] marker the same way.
//
// done is invoked exactly once after the stream drains or aborts.
func (g *Gateway) writeSSE(ctx *fasthttp.RequestCtx, events <-chan providers.StreamEvent, done func(streamOutcome)) {
	ctx.Response.Header.Set("Content-Type", "text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")
	ctx.SetStatusCode(fasthttp.StatusOK)

	reqID, _ := ctx.UserValue("request_id").(string)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		var out streamOutcome
		var text strings.Builder
		model := ""

		defer func() { done(out) }()

		for ev := range events {
			if ev.Err != nil {
				out.Err = ev.Err
				g.log.Warn("stream_error",
					slog.String("request_id", reqID),
					slog.String("error", ev.Err.Error()),
				)
				writeSSEError(w, ev.Err)
				drain(events)
				return
			}
			chunk := ev.Chunk
			if chunk == nil {
				continue
			}
			if chunk.Model != "" {
				model = chunk.Model
			}
			if chunk.Usage != nil {
				out.Usage = *chunk.Usage
			}
			for _, c := range chunk.Choices {
				text.WriteString(c.Delta.Content)
			}

			data, err := json.Marshal(chunk)
			if err != nil {
				continue
			}
			if _, err := w.WriteString("data: "); err != nil {
				out.Err = err
				out.ClientGone = true
				drain(events)
				return
			}
			w.Write(data)
			w.WriteString("\n\n")
			if err := w.Flush(); err != nil {
				// Client went away. Stop forwarding; the provider stream is
				// torn down by the request context.
				out.Err = err
				out.ClientGone = true
				drain(events)
				return
			}
		}

		out.EstimatedCompletionTokens = g.tokens.CountTokens(model, text.String())

		if g.guard != nil {
			if _, err := g.guard.CheckCompletion(g.baseCtx, text.String()); errors.Is(err, filter.ErrBlocked) {
				out.Blocked = true
				g.log.Warn("stream_content_blocked",
					slog.String("request_id", reqID),
				)
				writeSSEError(w, err)
				return
			}
		}

		w.WriteString(sseDone)
		w.Flush()
	})
}

// writeSSEError emits a terminal error envelope as an SSE event. The stream
// ends without [DONE] so clients can distinguish truncation from completion.
func writeSSEError(w *bufio.Writer, err error) {
	code := apierr.CodeProviderError
	if errors.Is(err, filter.ErrBlocked) {
		code = apierr.CodeContentBlocked
	}
	env := map[string]any{
		"errorCode": code,
		"message":   err.Error(),
	}
	data, merr := json.Marshal(map[string]any{"error": env})
	if merr != nil {
		return
	}
	w.WriteString("data: ")
	w.Write(data)
	w.WriteString("\n\n")
	w.Flush()
}

// drain consumes remaining events so the producing adapter can exit.
func drain(events <-chan providers.StreamEvent) {
	for range events {
	}
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.CodeInternalError,
			"failed to serialize response")
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}
