package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lmarena-bridge/bridge/internal/config"
	"github.com/lmarena-bridge/bridge/internal/dispatch"
	"github.com/lmarena-bridge/bridge/internal/download"
	"github.com/lmarena-bridge/bridge/internal/stats"
	"github.com/lmarena-bridge/bridge/internal/streamproc"
	"github.com/lmarena-bridge/bridge/internal/translate"
	"github.com/lmarena-bridge/bridge/pkg/bridgeerr"
	"github.com/lmarena-bridge/bridge/pkg/safego"
)

// openAIHandler implements the OpenAI-compatible surface (spec.md §6):
// chat completions (streaming and non-streaming), model listing, and
// the images endpoint routed through the same chat path.
type openAIHandler struct {
	cfg        *config.Config
	dispatcher *dispatch.Dispatcher
	pool       *download.Pool
	snapshot   *stats.Snapshot
	reqLog     *stats.RequestLog
	logger     *zap.Logger
}

func newOpenAIHandler(cfg *config.Config, d *dispatch.Dispatcher, pool *download.Pool, snapshot *stats.Snapshot, reqLog *stats.RequestLog, logger *zap.Logger) *openAIHandler {
	return &openAIHandler{cfg: cfg, dispatcher: d, pool: pool, snapshot: snapshot, reqLog: reqLog, logger: logger}
}

func (h *openAIHandler) registerRoutes(router *gin.Engine, auth gin.HandlerFunc) {
	v1 := router.Group("/v1")
	v1.Use(auth)
	{
		v1.POST("/chat/completions", h.chatCompletions)
		v1.GET("/models", h.listModels)
		v1.POST("/images/generations", h.imageGenerations)
	}
}

func (h *openAIHandler) listModels(c *gin.Context) {
	names := h.cfg.ModelNames()
	data := make([]gin.H, 0, len(names))
	for _, name := range names {
		data = append(data, gin.H{
			"id":       name,
			"object":   "model",
			"created":  0,
			"owned_by": "lmarena-bridge",
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

func (h *openAIHandler) chatCompletions(c *gin.Context) {
	var req translate.ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorJSON(c, bridgeerr.Wrap(bridgeerr.KindTranslatorFailed, "invalid request body", err))
		return
	}
	h.run(c, req)
}

// imageGenerationsRequest mirrors OpenAI's POST /v1/images/generations
// body, translated into a single synthetic chat turn (spec.md §6).
type imageGenerationsRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt" binding:"required"`
	N      int    `json:"n,omitempty"`
	Size   string `json:"size,omitempty"`
}

func (h *openAIHandler) imageGenerations(c *gin.Context) {
	var body imageGenerationsRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeErrorJSON(c, bridgeerr.Wrap(bridgeerr.KindTranslatorFailed, "invalid request body", err))
		return
	}

	content, _ := json.Marshal(body.Prompt)
	req := translate.ChatCompletionRequest{
		Model:  body.Model,
		Stream: false,
		Messages: []translate.ChatMessage{
			{Role: "user", Content: content},
		},
	}

	h.snapshot.IncRequestTotal()
	start := time.Now()

	handle, err := h.dispatcher.DispatchAs(c.Request.Context(), req, "image")
	if err != nil {
		h.snapshot.IncRequestFailed()
		h.logRequest(handle, req.Model, start, err)
		writeErrorJSON(c, err)
		return
	}
	h.awaitNonStream(c, handle, req.Model, start)
}

func (h *openAIHandler) run(c *gin.Context, req translate.ChatCompletionRequest) {
	h.snapshot.IncRequestTotal()
	start := time.Now()

	handle, err := h.dispatcher.Dispatch(c.Request.Context(), req)
	if err != nil {
		h.snapshot.IncRequestFailed()
		h.logRequest(handle, req.Model, start, err)
		writeErrorJSON(c, err)
		return
	}

	if req.Stream {
		h.streamResponse(c, handle, req.Model, start)
		return
	}
	h.awaitNonStream(c, handle, req.Model, start)
}

func (h *openAIHandler) newProcessor(handle *dispatch.Handle) *streamproc.Processor {
	return streamproc.New(streamproc.Options{
		ID:              "chatcmpl-" + uuid.NewString(),
		Model:           handle.Model,
		StreamReasoning: true,
		ReasoningMode:   streamproc.ReasoningModeField,
		Resolve:         h.pool.Resolve,
		OnInterstitial: func() {
			h.dispatcher.SetVerifying(true)
			h.snapshot.IncInterstitial()
		},
	})
}

// streamResponse drives the Stream Processor over the Response Channel,
// writing each OpenAI chunk as an SSE event (spec.md §4.7 step 6).
func (h *openAIHandler) streamResponse(c *gin.Context, handle *dispatch.Handle, model string, start time.Time) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	proc := h.newProcessor(handle)
	ctx := c.Request.Context()

	for {
		select {
		case <-ctx.Done():
			// Client disconnected (spec.md §7's Cancelled policy): stop
			// writing, but let the upstream request finish and drain its
			// channel internally (spec.md §5) rather than closing it out
			// from under a frame that might still be in flight.
			h.snapshot.IncRequestFailed()
			h.logRequest(handle, model, start, bridgeerr.New(bridgeerr.KindCancelled, "client disconnected"))
			safego.Go(h.logger, "drain-disconnected-request", func() { h.drainAndFinish(handle) })
			return
		case raw, ok := <-handle.Fragments:
			if !ok {
				h.dispatcher.Finish(handle.RequestID)
				h.snapshot.IncRequestOK()
				h.logRequest(handle, model, start, nil)
				return
			}
			chunks, termErr := proc.Feed(raw)
			for _, chunk := range chunks {
				h.snapshot.IncStreamChunk()
				writeSSEChunk(c.Writer, chunk)
			}
			if termErr != nil {
				h.dispatcher.Finish(handle.RequestID)
				h.snapshot.IncRequestFailed()
				h.logRequest(handle, model, start, fmt.Errorf("%s", termErr.Message))
				writeSSEError(c.Writer, termErr.Message)
				writeSSEDone(c.Writer)
				return
			}
			if proc.State() == streamproc.StateDone || proc.State() == streamproc.StateInterstitial {
				h.dispatcher.Finish(handle.RequestID)
				h.snapshot.IncRequestOK()
				h.logRequest(handle, model, start, nil)
				writeSSEDone(c.Writer)
				return
			}
		}
	}
}

// drainAndFinish discards fragments until the Response Channel closes
// naturally, then releases its Registry entry. Used when the client has
// already disconnected but the upstream request is still allowed to run
// to completion (spec.md §5, §7).
func (h *openAIHandler) drainAndFinish(handle *dispatch.Handle) {
	defer h.dispatcher.Finish(handle.RequestID)
	for range handle.Fragments {
	}
}

// awaitNonStream drains the Response Channel fully through the Stream
// Processor, then assembles one JSON object (spec.md §4.7's non-stream
// response assembly).
func (h *openAIHandler) awaitNonStream(c *gin.Context, handle *dispatch.Handle, model string, start time.Time) {
	proc := h.newProcessor(handle)
	ctx := c.Request.Context()
	finishReason := "stop"

	for {
		select {
		case <-ctx.Done():
			// Let the upstream request finish and drain internally
			// instead of closing its channel out from under it
			// (spec.md §5, §7).
			h.snapshot.IncRequestFailed()
			err := bridgeerr.New(bridgeerr.KindCancelled, "client disconnected")
			h.logRequest(handle, model, start, err)
			safego.Go(h.logger, "drain-disconnected-request", func() { h.drainAndFinish(handle) })
			writeErrorJSON(c, err)
			return
		case raw, ok := <-handle.Fragments:
			if !ok {
				h.dispatcher.Finish(handle.RequestID)
				content, reasoning := proc.Accumulated()
				resp := translate.AssembleNonStream(proc.ID(), model, content, reasoning, finishReason, time.Now().Unix())
				h.snapshot.IncRequestOK()
				h.logRequest(handle, model, start, nil)
				c.JSON(http.StatusOK, resp)
				return
			}
			_, termErr := proc.Feed(raw)
			if termErr != nil {
				h.dispatcher.Finish(handle.RequestID)
				h.snapshot.IncRequestFailed()
				err := bridgeerr.New(bridgeerr.KindUpstreamMalformed, termErr.Message)
				h.logRequest(handle, model, start, err)
				writeErrorJSON(c, err)
				return
			}
			if proc.State() == streamproc.StateInterstitial {
				h.dispatcher.Finish(handle.RequestID)
				h.snapshot.IncRequestFailed()
				err := bridgeerr.New(bridgeerr.KindUpstreamInterstitial, "interstitial detected, refresh requested")
				h.logRequest(handle, model, start, err)
				writeErrorJSON(c, err)
				return
			}
			if proc.State() == streamproc.StateDone {
				h.dispatcher.Finish(handle.RequestID)
				content, reasoning := proc.Accumulated()
				resp := translate.AssembleNonStream(proc.ID(), model, content, reasoning, finishReason, time.Now().Unix())
				h.snapshot.IncRequestOK()
				h.logRequest(handle, model, start, nil)
				c.JSON(http.StatusOK, resp)
				return
			}
		}
	}
}

// logRequest appends one JSONL entry for this request's outcome. handle
// may be nil when Dispatch itself failed before a request id existed.
func (h *openAIHandler) logRequest(handle *dispatch.Handle, model string, start time.Time, err error) {
	if h.reqLog == nil {
		return
	}
	entry := stats.RequestLogEntry{
		Model:      model,
		Status:     "ok",
		DurationMS: time.Since(start).Milliseconds(),
	}
	if handle != nil {
		entry.RequestID = handle.RequestID
	}
	if err != nil {
		entry.Status = "failed"
		entry.ErrorMessage = err.Error()
	}
	h.reqLog.Append(entry)
}

func writeSSEChunk(w io.Writer, chunk translate.StreamChunk) {
	data, err := json.Marshal(chunk)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func writeSSEError(w io.Writer, message string) {
	body := translate.ErrorBody{Error: translate.ErrorDetail{Message: message, Type: "server_error"}}
	data, err := json.Marshal(body)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func writeSSEDone(w io.Writer) {
	io.WriteString(w, "data: [DONE]\n\n")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
