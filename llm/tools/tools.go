// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package tools contains the zero-argument tools the LLM can call and the
// transports used to reach the system they query.
//
// A tool never fails: every error is turned into a JSON object with an
// "error" field so it can be handed back to the LLM as-is.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/maruel/pichat/internal"
)

// Definition is the description of a tool as shown to the LLM.
type Definition struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
}

// Func runs a tool and returns its result as JSON.
//
// It must not return an error; failures are encoded with ErrorResult.
type Func func(ctx context.Context) string

// Tool is a callable tool.
type Tool struct {
	Definition
	Call Func
}

// Registry is the immutable set of tools available to the LLM.
type Registry struct {
	defs  []Definition
	tools map[string]Tool
}

var (
	identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	callExpr   = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\(\)$`)
)

// NewRegistry returns a Registry with the tools in the order specified.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if !identifier.MatchString(t.Name) {
			return nil, fmt.Errorf("invalid tool name %q", t.Name)
		}
		if _, ok := r.tools[t.Name]; ok {
			return nil, fmt.Errorf("duplicate tool %q", t.Name)
		}
		if t.Call == nil {
			return nil, fmt.Errorf("tool %q has no implementation", t.Name)
		}
		r.tools[t.Name] = t
		r.defs = append(r.defs, t.Definition)
	}
	return r, nil
}

// Definitions returns the tool definitions in registration order.
func (r *Registry) Definitions() []Definition {
	return append([]Definition(nil), r.defs...)
}

// Lookup returns the tool by name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// List serializes the definitions as a JSON array with one tool per line.
func (r *Registry) List() string {
	lines := make([]string, len(r.defs))
	for i, d := range r.defs {
		b, _ := json.Marshal(d)
		lines[i] = "  " + string(b)
	}
	return "[\n" + strings.Join(lines, ",\n") + "\n]"
}

// GrammarRule returns a GBNF rule named name whose alternatives are the
// registered tool names. It returns "" when the registry is empty.
func (r *Registry) GrammarRule(name string) string {
	if len(r.defs) == 0 {
		return ""
	}
	alts := make([]string, len(r.defs))
	for i, d := range r.defs {
		alts[i] = `"` + d.Name + `"`
	}
	return name + " ::= " + strings.Join(alts, " | ")
}

// Invoke runs the named tool. The result is always valid JSON.
func (r *Registry) Invoke(ctx context.Context, name string) (out string) {
	logger := internal.Logger(ctx)
	t, ok := r.tools[name]
	if !ok {
		return ErrorResult("unknown tool "+name, nil)
	}
	start := time.Now()
	defer func() {
		if v := recover(); v != nil {
			out = ErrorResult("tool "+name+" crashed", fmt.Errorf("%v", v))
		}
		logger.Info("tools", "name", name, "result", out, "duration", time.Since(start).Round(time.Millisecond))
	}()
	return normalize(t.Call(ctx))
}

// ParseCall returns the tool name if s is exactly a zero-argument call like
// "get_system_uptime()", ignoring surrounding whitespace.
func ParseCall(s string) (string, bool) {
	m := callExpr.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Unavailable replaces a field whose lookup failed.
const Unavailable = "unavailable"

type errorResult struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// ErrorResult returns the JSON encoded error payload for a tool failure.
func ErrorResult(msg string, err error) string {
	e := errorResult{Error: msg}
	if err != nil {
		e.Details = err.Error()
	}
	b, _ := json.Marshal(e)
	return string(b)
}

// normalize makes sure out is a JSON value, wrapping plain text as
// {"result": out}.
func normalize(out string) string {
	if json.Valid([]byte(out)) {
		return out
	}
	b, _ := json.Marshal(map[string]string{"result": out})
	return string(b)
}
