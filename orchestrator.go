// Copyright 2025 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package pichat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/maruel/pichat/internal"
	"github.com/maruel/pichat/llm/common"
	"github.com/maruel/pichat/llm/llamacpp"
	"github.com/maruel/pichat/llm/stream"
	"github.com/maruel/pichat/llm/tools"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/maruel/pichat")

// Completer is the completion backend, implemented by *llamacpp.Client.
type Completer interface {
	Complete(ctx context.Context, msgs []common.Message, s llamacpp.Sampling, grammar string) (string, error)
	CompleteStream(ctx context.Context, msgs []common.Message, s llamacpp.Sampling) (io.ReadCloser, error)
}

// DetectionKind is the outcome of the tool detection stage.
type DetectionKind int

// Detection outcomes.
const (
	// NoToolNeeded means the gate did not trigger; no detection call was made.
	NoToolNeeded DetectionKind = iota
	// NoMatch means the detection output is not a call to a known tool.
	NoMatch
	// Matched means the detection output is a call to a registered tool.
	Matched
)

func (d DetectionKind) String() string {
	switch d {
	case NoToolNeeded:
		return "no_tool_needed"
	case NoMatch:
		return "no_match"
	case Matched:
		return "matched"
	default:
		return fmt.Sprintf("DetectionKind(%d)", int(d))
	}
}

// Detection is the result of the detection stage.
type Detection struct {
	Kind DetectionKind
	// Raw is the trimmed detection output. Empty for NoToolNeeded.
	Raw string
	// Tool is the matched tool name. Only set for Matched.
	Tool string
}

// Reply is what gets streamed back to the client. Exactly one of Stream or
// Text is used.
type Reply struct {
	Detection Detection
	// Stream is the backend's native stream, transcoded by Send.
	Stream io.ReadCloser
	// Text is sent as a single delta when Stream is nil.
	Text string
	// Fallback is true when Text replaces a failed final completion.
	Fallback bool
}

// Send writes the reply to w, always ending with the terminal sentinel
// unless the context is canceled or w fails. It closes Stream.
func (r *Reply) Send(ctx context.Context, w *stream.Writer) error {
	if r.Stream == nil {
		return stream.Single(w, r.Text)
	}
	defer r.Stream.Close()
	return stream.Transcode(ctx, r.Stream, w)
}

// checking follows the tool call marker in the synthetic assistant turn.
const checking = "Checking system information..."

// Orchestrator decides whether a request needs a tool, runs it and produces
// the reply.
//
// It is read-only once built and safe for concurrent use.
type Orchestrator struct {
	LLM      Completer
	Tools    *tools.Registry
	Gate     Gate
	Encoding *llamacpp.PromptEncoding
	// SystemPrompt replaces or is prepended as the first message.
	SystemPrompt string
	// Grammar returns the GBNF grammar for the detection call.
	Grammar func(ctx context.Context) (string, error)

	Detect llamacpp.Sampling
	Final  llamacpp.Sampling
	Chat   llamacpp.Sampling
}

// New returns an Orchestrator configured by cfg.
func New(cfg *Config, c Completer, r *tools.Registry) (*Orchestrator, error) {
	sys, err := cfg.RenderSystemPrompt(r)
	if err != nil {
		return nil, err
	}
	path := cfg.LLM.Grammar
	return &Orchestrator{
		LLM:          c,
		Tools:        r,
		Gate:         cfg.Gate,
		Encoding:     cfg.LLM.Encoding(),
		SystemPrompt: sys,
		Grammar: func(ctx context.Context) (string, error) {
			b, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("failed to load grammar: %w", err)
			}
			return withToolRule(string(b), r), nil
		},
		Detect: cfg.LLM.Detect,
		Final:  cfg.LLM.Final,
		Chat:   cfg.LLM.Chat,
	}, nil
}

// toolRule names the GBNF rule listing the callable tools.
const toolRule = "tool"

// withToolRule replaces any single line definition of the tool rule in
// grammar with one generated from r.
func withToolRule(grammar string, r *tools.Registry) string {
	rule := r.GrammarRule(toolRule)
	if rule == "" {
		return grammar
	}
	lines := strings.Split(grammar, "\n")
	out := make([]string, 0, len(lines)+1)
	for _, l := range lines {
		if f := strings.Fields(l); len(f) >= 2 && f[0] == toolRule && f[1] == "::=" {
			continue
		}
		out = append(out, l)
	}
	return strings.TrimRight(strings.Join(out, "\n"), "\n") + "\n" + rule + "\n"
}

// Respond processes one chat request.
//
// An error is returned when the request cannot be answered at all: the
// detection call or the plain chat call failed. A failed final call after a
// tool ran is not an error; the reply is then a fallback text.
func (o *Orchestrator) Respond(ctx context.Context, msgs []common.Message) (*Reply, error) {
	ctx, span := tracer.Start(ctx, "pichat.Respond", trace.WithAttributes(attribute.Int("pichat.messages", len(msgs))))
	defer span.End()
	reply, err := o.respond(ctx, o.ensureSystem(msgs))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("pichat.detection", reply.Detection.Kind.String()),
		attribute.Bool("pichat.fallback", reply.Fallback),
	)
	return reply, nil
}

func (o *Orchestrator) respond(ctx context.Context, msgs []common.Message) (*Reply, error) {
	det, err := o.detect(ctx, msgs)
	if err != nil {
		return nil, err
	}
	logger := internal.Logger(ctx)
	switch det.Kind {
	case NoToolNeeded:
		logger.Debug("pichat", "detection", det.Kind)
		var body io.ReadCloser
		if body, err = o.LLM.CompleteStream(ctx, msgs, o.Chat); err != nil {
			return nil, fmt.Errorf("chat completion failed: %w", err)
		}
		return &Reply{Detection: det, Stream: body}, nil
	case NoMatch:
		logger.Info("pichat", "detection", det.Kind, "output", det.Raw)
		return &Reply{Detection: det, Text: det.Raw}, nil
	case Matched:
		logger.Info("pichat", "detection", det.Kind, "tool", det.Tool)
		return o.runTool(ctx, msgs, det), nil
	default:
		return nil, fmt.Errorf("unexpected detection %s", det.Kind)
	}
}

// ensureSystem returns a copy of msgs starting with the system prompt. An
// existing leading system message is replaced so replayed conversations do
// not accumulate them.
func (o *Orchestrator) ensureSystem(msgs []common.Message) []common.Message {
	sys := common.Message{Role: common.System, Content: o.SystemPrompt}
	if len(msgs) != 0 && msgs[0].Role == common.System {
		out := append([]common.Message(nil), msgs...)
		out[0] = sys
		return out
	}
	out := make([]common.Message, 0, len(msgs)+1)
	out = append(out, sys)
	return append(out, msgs...)
}

// detect runs the gate then, if needed, the grammar constrained detection
// call.
func (o *Orchestrator) detect(ctx context.Context, msgs []common.Message) (Detection, error) {
	if !o.Gate.NeedsTool(msgs) {
		return Detection{Kind: NoToolNeeded}, nil
	}
	ctx, span := tracer.Start(ctx, "pichat.detect")
	defer span.End()
	grammar, err := o.Grammar(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Detection{}, err
	}
	out, err := o.LLM.Complete(ctx, msgs, o.Detect, grammar)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Detection{}, fmt.Errorf("tool detection failed: %w", err)
	}
	return o.classify(out), nil
}

// classify maps the detection output to NoMatch or Matched.
func (o *Orchestrator) classify(out string) Detection {
	d := Detection{Kind: NoMatch, Raw: strings.TrimSpace(out)}
	if name, ok := tools.ParseCall(d.Raw); ok {
		if _, ok = o.Tools.Lookup(name); ok {
			d.Kind = Matched
			d.Tool = name
		}
	}
	return d
}

// runTool invokes the matched tool and starts the final completion over the
// augmented conversation.
func (o *Orchestrator) runTool(ctx context.Context, msgs []common.Message, det Detection) *Reply {
	tctx, span := tracer.Start(ctx, "pichat.tool", trace.WithAttributes(attribute.String("pichat.tool", det.Tool)))
	start := time.Now()
	result := o.Tools.Invoke(tctx, det.Tool)
	span.End()
	logger := internal.Logger(ctx)
	logger.Debug("pichat", "tool", det.Tool, "duration", time.Since(start).Round(time.Millisecond))

	aug := make([]common.Message, 0, len(msgs)+2)
	aug = append(aug, msgs...)
	aug = append(aug,
		common.Message{Role: common.Assistant, Content: o.Encoding.ToolCall(det.Raw) + checking},
		common.Message{Role: common.Tool, Content: result},
	)
	body, err := o.LLM.CompleteStream(ctx, aug, o.Final)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Debug("pichat", "final", "canceled")
		} else {
			logger.Warn("pichat", "final", "failed", "err", err)
		}
		return &Reply{Detection: det, Text: fallbackText(result), Fallback: true}
	}
	return &Reply{Detection: det, Stream: body}
}

// fallbackText summarizes a tool result without the model.
func fallbackText(result string) string {
	var m map[string]any
	if json.Unmarshal([]byte(result), &m) == nil {
		temp, ok1 := fallbackValue(m["cpu_temp"])
		mem, ok2 := fallbackValue(m["memory_usage"])
		if ok1 && ok2 {
			return "The Raspberry Pi's CPU temperature is " + temp + " and memory usage is " + mem + "."
		}
		if up, ok := fallbackValue(m["uptime"]); ok {
			return "The Raspberry Pi has been up for " + up + "."
		}
	}
	return "I retrieved the system status but encountered an issue displaying it."
}

// fallbackValue formats a non-empty, non-zero scalar tool field. Fields set to
// tools.Unavailable are rejected.
func fallbackValue(v any) (string, bool) {
	switch v := v.(type) {
	case string:
		return v, v != "" && v != tools.Unavailable
	case float64:
		return fmt.Sprint(v), v != 0
	}
	return "", false
}
