// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package llamacpp talks to llama-server's native /completion endpoint.
//
// The prompt is rendered client side with a PromptEncoding, so the server's
// chat template is never used.
package llamacpp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime/trace"
	"strings"
	"time"

	"github.com/maruel/httpjson"
	"github.com/maruel/pichat/internal"
	"github.com/maruel/pichat/llm/common"
)

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

// healthResponse is documented at
// https://github.com/ggerganov/llama.cpp/blob/master/examples/server/README.md#api-endpoints
type healthResponse struct {
	Status          string `json:"status"`
	SlotsIdle       int    `json:"slots_idle"`
	SlotsProcessing int    `json:"slots_processing"`
}

// completionRequest is documented at
// https://github.com/ggerganov/llama.cpp/blob/master/examples/server/README.md#api-endpoints
type completionRequest struct {
	Prompt      string   `json:"prompt"`
	NPredict    int64    `json:"n_predict,omitempty"` // Maximum number of tokens to predict
	Temperature float64  `json:"temperature"`
	Stream      bool     `json:"stream"`
	Grammar     string   `json:"grammar,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	CachePrompt *bool    `json:"cache_prompt,omitempty"`
	// top_k             float64
	// top_p             float64
	// min_p             float64
	// n_keep            int64
	// seed              int64
	// repeat_penalty    float64
}

// completionResponse is documented at
// https://github.com/ggerganov/llama.cpp/blob/master/examples/server/README.md#result-json
//
// Only the fields used here are decoded; llama-server adds fields between
// releases.
type completionResponse struct {
	Content      string `json:"content"`
	Stop         bool   `json:"stop"`
	StoppedEOS   bool   `json:"stopped_eos"`
	StoppedLimit bool   `json:"stopped_limit"`
	StoppedWord  bool   `json:"stopped_word"`
	StoppingWord string `json:"stopping_word"`
	Timings      struct {
		// Undocumented:
		PromptN             int64   `json:"prompt_n"`
		PromptPerTokenMS    float64 `json:"prompt_per_token_ms"`
		PredictedN          int64   `json:"predicted_n"`
		PredictedPerTokenMS float64 `json:"predicted_per_token_ms"`
	} `json:"timings"`
	// Error case:
	Error *errorResponse `json:"error"`
}

// Sampling is the generation settings of one /completion call.
type Sampling struct {
	// NPredict is the maximum number of tokens to generate.
	NPredict int `yaml:"n_predict"`
	// Temperature controls randomness. Use low values for tool detection.
	Temperature float64 `yaml:"temperature"`
	// Stop is the list of strings that stop generation.
	Stop []string `yaml:"stop"`
	// CachePrompt overrides the server's prompt cache setting when set.
	CachePrompt *bool `yaml:"cache_prompt"`

	_ struct{}
}

// Validate checks for obvious errors in the fields.
func (s *Sampling) Validate() error {
	if s.NPredict <= 0 {
		return fmt.Errorf("n_predict must be positive, got %d", s.NPredict)
	}
	if s.Temperature < 0 {
		return fmt.Errorf("temperature must not be negative, got %g", s.Temperature)
	}
	return nil
}

// Client is a llama-server client.
type Client struct {
	// BaseURL is the server root, e.g. "http://192.168.1.98:8080".
	BaseURL  string
	Encoding *PromptEncoding
}

// Complete runs a blocking completion and returns the generated text.
//
// grammar is passed through as-is when not empty.
func (c *Client) Complete(ctx context.Context, msgs []common.Message, s Sampling, grammar string) (string, error) {
	r := trace.StartRegion(ctx, "llamacpp.Complete")
	defer r.End()
	start := time.Now()
	data := c.newRequest(msgs, s)
	data.Grammar = grammar
	resp, err := c.post(ctx, &data)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	msg := completionResponse{}
	if err = json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return "", fmt.Errorf("failed to decode llama server response: %w", err)
	}
	if msg.Error != nil {
		return "", fmt.Errorf("llama server error %d: %s", msg.Error.Code, msg.Error.Message)
	}
	internal.Logger(ctx).Debug("llamacpp", "prompt tok", msg.Timings.PromptN, "gen tok", msg.Timings.PredictedN, "prompt tok/ms", msg.Timings.PromptPerTokenMS, "gen tok/ms", msg.Timings.PredictedPerTokenMS, "duration", time.Since(start).Round(time.Millisecond))
	return msg.Content, nil
}

// CompleteStream starts a streaming completion and returns the raw response
// body once the server accepted the request.
//
// The body is a sequence of "data: {json}" lines. The caller must close it.
func (c *Client) CompleteStream(ctx context.Context, msgs []common.Message, s Sampling) (io.ReadCloser, error) {
	r := trace.StartRegion(ctx, "llamacpp.CompleteStream")
	defer r.End()
	data := c.newRequest(msgs, s)
	data.Stream = true
	resp, err := c.post(ctx, &data)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// GetHealth retrieves the heath of the server.
func (c *Client) GetHealth(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+"/health", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create HTTP request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to get health response: %w", err)
	}
	msg := healthResponse{}
	err = json.NewDecoder(resp.Body).Decode(&msg)
	_ = resp.Body.Close()
	if err != nil {
		return msg.Status, fmt.Errorf("failed to decode health response: %w", err)
	}
	return msg.Status, nil
}

func (c *Client) newRequest(msgs []common.Message, s Sampling) completionRequest {
	return completionRequest{
		Prompt:      c.Encoding.Format(msgs),
		NPredict:    int64(s.NPredict),
		Temperature: s.Temperature,
		Stop:        s.Stop,
		CachePrompt: s.CachePrompt,
	}
}

func (c *Client) post(ctx context.Context, data *completionRequest) (*http.Response, error) {
	resp, err := httpjson.DefaultClient.PostRequest(ctx, c.BaseURL+"/completion", nil, data)
	if err != nil {
		return nil, fmt.Errorf("failed to get llama server response: %w", err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := completionResponse{}
	if json.Unmarshal(b, &msg) == nil && msg.Error != nil {
		return nil, &StatusError{Code: resp.StatusCode, Message: msg.Error.Message}
	}
	return nil, &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(b))}
}

// StatusError is returned when llama-server replies with a non-200 status.
type StatusError struct {
	Code    int
	Message string
}

func (s *StatusError) Error() string {
	return fmt.Sprintf("llama server returned %d %s: %s", s.Code, http.StatusText(s.Code), s.Message)
}

