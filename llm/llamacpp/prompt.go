// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package llamacpp

import (
	"errors"
	"strings"

	"github.com/maruel/pichat/llm/common"
)

// PromptEncoding describes how to encode the prompt.
type PromptEncoding struct {
	// Prompt encoding.
	SystemTokenStart       string `yaml:"system_token_start"`
	SystemTokenEnd         string `yaml:"system_token_end"`
	UserTokenStart         string `yaml:"user_token_start"`
	UserTokenEnd           string `yaml:"user_token_end"`
	AssistantTokenStart    string `yaml:"assistant_token_start"`
	AssistantTokenEnd      string `yaml:"assistant_token_end"`
	ToolTokenStart         string `yaml:"tool_token_start"`
	ToolTokenEnd           string `yaml:"tool_token_end"`
	ToolResponseTokenStart string `yaml:"tool_response_token_start"`
	ToolResponseTokenEnd   string `yaml:"tool_response_token_end"`
	// Tool calls and the tool list are embedded in message content, not
	// rendered by Format.
	ToolCallTokenStart string `yaml:"tool_call_token_start"`
	ToolCallTokenEnd   string `yaml:"tool_call_token_end"`
	ToolListTokenStart string `yaml:"tool_list_token_start"`
	ToolListTokenEnd   string `yaml:"tool_list_token_end"`

	_ struct{}
}

// ChatML is the encoding used by LFM2 and other ChatML derived models.
var ChatML = PromptEncoding{
	SystemTokenStart:       "<|im_start|>system\n",
	SystemTokenEnd:         "<|im_end|>",
	UserTokenStart:         "<|im_start|>user\n",
	UserTokenEnd:           "<|im_end|>",
	AssistantTokenStart:    "<|im_start|>assistant\n",
	AssistantTokenEnd:      "<|im_end|>",
	ToolTokenStart:         "<|im_start|>tool\n",
	ToolTokenEnd:           "<|im_end|>",
	ToolResponseTokenStart: "<|tool_response_start|>",
	ToolResponseTokenEnd:   "<|tool_response_end|>",
	ToolCallTokenStart:     "<|tool_call_start|>",
	ToolCallTokenEnd:       "<|tool_call_end|>",
	ToolListTokenStart:     "<|tool_list_start|>",
	ToolListTokenEnd:       "<|tool_list_end|>",
}

// Validate checks for obvious errors in the fields.
func (p *PromptEncoding) Validate() error {
	if p.AssistantTokenStart == "" {
		return errors.New("assistant_token_start is required to prompt for a reply")
	}
	if p.UserTokenStart == "" || p.SystemTokenStart == "" {
		return errors.New("system_token_start and user_token_start are required")
	}
	return nil
}

// Format renders the messages as a single prompt ending with an open
// assistant frame.
//
// Messages with an unknown role render as an empty frame.
func (p *PromptEncoding) Format(msgs []common.Message) string {
	b := strings.Builder{}
	for i := range msgs {
		if i != 0 {
			b.WriteByte('\n')
		}
		b.WriteString(p.frame(&msgs[i]))
	}
	b.WriteByte('\n')
	b.WriteString(p.AssistantTokenStart)
	return b.String()
}

// ToolCall wraps a call expression like "get_system_uptime()" in the tool
// call markers.
func (p *PromptEncoding) ToolCall(call string) string {
	return p.ToolCallTokenStart + "[" + call + "]" + p.ToolCallTokenEnd
}

// ToolList wraps a serialized tool list in the tool list markers.
func (p *PromptEncoding) ToolList(list string) string {
	return p.ToolListTokenStart + "\n" + list + "\n" + p.ToolListTokenEnd
}

func (p *PromptEncoding) frame(m *common.Message) string {
	switch m.Role {
	case common.System:
		return p.SystemTokenStart + m.Content + p.SystemTokenEnd
	case common.User:
		return p.UserTokenStart + m.Content + p.UserTokenEnd
	case common.Assistant:
		return p.AssistantTokenStart + m.Content + p.AssistantTokenEnd
	case common.Tool:
		return p.ToolTokenStart + p.ToolResponseTokenStart + m.Content + p.ToolResponseTokenEnd + p.ToolTokenEnd
	default:
		return ""
	}
}
