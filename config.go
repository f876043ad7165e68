// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package pichat answers chat requests with a small model served by
// llama-server, fetching live system status through tools when the user asks
// for it.
package pichat

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"text/template"

	"github.com/maruel/pichat/llm/llamacpp"
	"github.com/maruel/pichat/llm/tools"
	"gopkg.in/yaml.v3"
)

// DefaultConfig targets LFM2 served by llama-server on a Raspberry Pi.
//
//go:embed default_config.yml
var DefaultConfig []byte

// Config defines the configuration format.
type Config struct {
	LLM          LLMConfig   `yaml:"llm"`
	Tools        ToolsConfig `yaml:"tools"`
	Gate         Gate        `yaml:"gate"`
	SystemPrompt string      `yaml:"system_prompt"`
}

// LLMConfig is the completion backend configuration.
type LLMConfig struct {
	// URL is the llama-server root URL.
	URL string `yaml:"url"`
	// PromptEncoding defaults to llamacpp.ChatML.
	PromptEncoding *llamacpp.PromptEncoding `yaml:"prompt_encoding"`
	// Grammar is the path to the GBNF grammar used by the detection call. It
	// is read on every request so it can be edited without restarting.
	Grammar string            `yaml:"grammar"`
	Detect  llamacpp.Sampling `yaml:"detect"`
	Final   llamacpp.Sampling `yaml:"final"`
	Chat    llamacpp.Sampling `yaml:"chat"`
}

// Encoding returns the effective prompt encoding.
func (l *LLMConfig) Encoding() *llamacpp.PromptEncoding {
	if l.PromptEncoding != nil {
		return l.PromptEncoding
	}
	return &llamacpp.ChatML
}

// Tool backends.
const (
	// BackendLocal runs the status commands on this host.
	BackendLocal = "local"
	// BackendSSH runs the status commands over ssh.
	BackendSSH = "ssh"
	// BackendHTTP posts tool calls to a tool server.
	BackendHTTP = "http"
	// BackendMCP calls tools on an MCP server.
	BackendMCP = "mcp"
)

// ToolsConfig selects where the tools run.
type ToolsConfig struct {
	Backend string           `yaml:"backend"`
	URL     string           `yaml:"url"`
	SSH     tools.SSHOptions `yaml:"ssh"`
	// Definitions are the tools shown to the model, in order.
	Definitions []tools.Definition `yaml:"definitions"`
}

// NewRegistry returns the registry of the configured tools.
//
// When c is nil, each definition must name one of builtin and its
// description overrides the builtin one when set. Otherwise every definition
// is forwarded to c.
func (t *ToolsConfig) NewRegistry(builtin []tools.Tool, c tools.Caller) (*tools.Registry, error) {
	byName := make(map[string]tools.Tool, len(builtin))
	for _, b := range builtin {
		byName[b.Name] = b
	}
	out := make([]tools.Tool, 0, len(t.Definitions))
	for _, d := range t.Definitions {
		if c != nil {
			out = append(out, tools.Remote(c, d))
			continue
		}
		b, ok := byName[d.Name]
		if !ok {
			return nil, fmt.Errorf("tool %q is not implemented by backend %q", d.Name, t.Backend)
		}
		if d.Description != "" {
			b.Description = d.Description
		}
		out = append(out, b)
	}
	return tools.NewRegistry(out...)
}

// Validate checks for obvious errors in the fields.
func (c *Config) Validate() error {
	u, err := url.Parse(c.LLM.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("llm: invalid url %q", c.LLM.URL)
	}
	if err = c.LLM.Encoding().Validate(); err != nil {
		return fmt.Errorf("llm: prompt_encoding: %w", err)
	}
	if c.LLM.Grammar == "" {
		return errors.New("llm: grammar is required")
	}
	for name, s := range map[string]*llamacpp.Sampling{"detect": &c.LLM.Detect, "final": &c.LLM.Final, "chat": &c.LLM.Chat} {
		if err = s.Validate(); err != nil {
			return fmt.Errorf("llm: %s: %w", name, err)
		}
	}
	switch c.Tools.Backend {
	case BackendLocal:
	case BackendSSH:
		if c.Tools.SSH.Addr == "" {
			return errors.New("tools: ssh.addr is required with the ssh backend")
		}
	case BackendHTTP, BackendMCP:
		if c.Tools.URL == "" {
			return fmt.Errorf("tools: url is required with the %s backend", c.Tools.Backend)
		}
	default:
		return fmt.Errorf("tools: unknown backend %q", c.Tools.Backend)
	}
	if len(c.Tools.Definitions) == 0 {
		return errors.New("tools: at least one definition is required")
	}
	if err = c.Gate.Validate(); err != nil {
		return err
	}
	if _, err = template.New("").Parse(c.SystemPrompt); err != nil {
		return fmt.Errorf("system_prompt: %w", err)
	}
	return nil
}

// LoadOrDefault loads a config or write the default to disk.
func (c *Config) LoadOrDefault(config string) error {
	b, err := os.ReadFile(config)
	if os.IsNotExist(err) {
		b = DefaultConfig
		if err = os.WriteFile(config, b, 0o644); err != nil {
			return fmt.Errorf("failed to write default config: %w", err)
		}
	} else if err != nil {
		return err
	}
	d := yaml.NewDecoder(bytes.NewReader(b))
	d.KnownFields(true)
	if err = d.Decode(c); err != nil {
		return fmt.Errorf("failed to read %q: %w", config, err)
	}
	return c.Validate()
}

// RenderSystemPrompt executes the system prompt template. {{.Tools}} expands
// to the tool list wrapped in the encoding's tool list markers.
func (c *Config) RenderSystemPrompt(r *tools.Registry) (string, error) {
	t, err := template.New("system_prompt").Parse(c.SystemPrompt)
	if err != nil {
		return "", err
	}
	b := strings.Builder{}
	data := struct{ Tools string }{Tools: c.LLM.Encoding().ToolList(r.List())}
	if err = t.Execute(&b, data); err != nil {
		return "", fmt.Errorf("failed to render system prompt: %w", err)
	}
	return b.String(), nil
}
