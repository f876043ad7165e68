// Copyright 2025 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package stream converts llama-server's streaming output into OpenAI style
// chat completion chunks.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/maruel/pichat/internal"
)

const (
	// Prefix starts every event line, both upstream and downstream.
	Prefix = "data: "
	// Sentinel is the payload of the last downstream event.
	Sentinel = "[DONE]"
)

// event is one upstream llama-server streaming event.
type event struct {
	Content *string `json:"content"`
	Stop    bool    `json:"stop"`
}

type chunk struct {
	Choices []choice `json:"choices"`
}

type choice struct {
	Delta delta `json:"delta"`
}

type delta struct {
	Content string `json:"content"`
}

// Writer writes downstream events and flushes after each one.
type Writer struct {
	w io.Writer
	f http.Flusher
}

// NewWriter returns a Writer. If w implements http.Flusher, every event is
// flushed as soon as it is written.
func NewWriter(w io.Writer) *Writer {
	f, _ := w.(http.Flusher)
	return &Writer{w: w, f: f}
}

// Delta writes one content delta event.
func (w *Writer) Delta(content string) error {
	b, err := json.Marshal(chunk{Choices: []choice{{Delta: delta{Content: content}}}})
	if err != nil {
		return err
	}
	return w.write(b)
}

// Done writes the terminal sentinel event.
func (w *Writer) Done() error {
	return w.write([]byte(Sentinel))
}

func (w *Writer) write(payload []byte) error {
	buf := make([]byte, 0, len(Prefix)+len(payload)+2)
	buf = append(buf, Prefix...)
	buf = append(buf, payload...)
	buf = append(buf, '\n', '\n')
	if _, err := w.w.Write(buf); err != nil {
		return err
	}
	if w.f != nil {
		w.f.Flush()
	}
	return nil
}

// Single writes content as one delta followed by the sentinel.
func Single(w *Writer, content string) error {
	if err := w.Delta(content); err != nil {
		return err
	}
	return w.Done()
}

// Transcode reads llama-server events from r and writes them to w until an
// event with stop set or the end of r.
//
// The sentinel is always written unless writing itself fails or ctx is
// canceled. Malformed lines are logged and skipped. Bytes after the stop event
// are not read.
func Transcode(ctx context.Context, r io.Reader, w *Writer) error {
	logger := internal.Logger(ctx)
	// Incomplete lines stay in br's buffer until their newline arrives, so a
	// rune split across two reads is decoded whole.
	br := bufio.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := br.ReadBytes('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				return fmt.Errorf("failed to read llama server stream: %w", err)
			}
			if len(bytes.TrimSpace(line)) != 0 {
				logger.Warn("stream", "message", "dropping incomplete line", "line", string(line))
			}
			return w.Done()
		}
		stop, err := transcodeLine(ctx, line, w)
		if err != nil {
			return err
		}
		if stop {
			return w.Done()
		}
	}
}

// transcodeLine handles one complete line. It returns true when the upstream
// signaled the end of generation.
func transcodeLine(ctx context.Context, line []byte, w *Writer) (bool, error) {
	line = bytes.TrimSpace(line)
	if !bytes.HasPrefix(line, []byte(Prefix)) {
		if len(line) != 0 {
			internal.Logger(ctx).Debug("stream", "message", "ignoring line", "line", string(line))
		}
		return false, nil
	}
	e := event{}
	if err := json.Unmarshal(bytes.TrimSpace(line[len(Prefix):]), &e); err != nil {
		internal.Logger(ctx).Warn("stream", "message", "malformed event", "line", string(line), "err", err)
		return false, nil
	}
	if e.Content != nil {
		if err := w.Delta(*e.Content); err != nil {
			return false, err
		}
	}
	return e.Stop, nil
}
