// Copyright 2025 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package pichat

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/maruel/pichat/internal"
	"github.com/maruel/pichat/llm/common"
	"github.com/maruel/pichat/llm/stream"
)

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Messages []common.Message `json:"messages"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// maxRequestSize bounds the request body.
const maxRequestSize = 1 << 20

var requestID atomic.Int64

// Handler returns the chat endpoint.
//
// The response is a text/event-stream of OpenAI style chunks ending with
// "data: [DONE]". Requests that cannot be answered get a JSON error instead.
func Handler(o *Orchestrator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		ctx := r.Context()
		logger := internal.Logger(ctx).With("req", requestID.Add(1))
		ctx = internal.WithLogger(ctx, logger)
		start := time.Now()

		req := ChatRequest{}
		d := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestSize))
		if err := d.Decode(&req); err != nil {
			logger.Info("http", "err", err)
			writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
			return
		}
		if len(req.Messages) == 0 {
			writeError(w, http.StatusBadRequest, "messages cannot be empty")
			return
		}
		reply, err := o.Respond(ctx, req.Messages)
		if err != nil {
			logger.Error("http", "err", err, "duration", time.Since(start).Round(time.Millisecond))
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		err = reply.Send(ctx, stream.NewWriter(w))
		switch {
		case err == nil:
			logger.Info("http", "detection", reply.Detection.Kind, "fallback", reply.Fallback, "duration", time.Since(start).Round(time.Millisecond))
		case ctx.Err() != nil:
			logger.Info("http", "msg", "client went away", "duration", time.Since(start).Round(time.Millisecond))
		default:
			logger.Error("http", "err", err, "duration", time.Since(start).Round(time.Millisecond))
		}
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: msg})
}
