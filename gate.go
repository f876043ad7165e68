// Copyright 2025 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package pichat

import (
	"errors"
	"strings"

	"github.com/maruel/pichat/llm/common"
)

// Gate is a cheap keyword filter deciding whether the constrained tool
// detection call is worth making.
type Gate struct {
	// Keywords trigger detection when found in the last user message.
	Keywords []string `yaml:"keywords"`
	// Exclusions veto detection even when a keyword matched.
	Exclusions []string `yaml:"exclusions"`
}

// Validate checks for obvious errors in the fields.
func (g *Gate) Validate() error {
	if len(g.Keywords) == 0 {
		return errors.New("gate: at least one keyword is required")
	}
	for _, l := range [][]string{g.Keywords, g.Exclusions} {
		for _, k := range l {
			if strings.TrimSpace(k) == "" {
				return errors.New("gate: empty keyword")
			}
		}
	}
	return nil
}

// NeedsTool returns true when the last message is from the user and it
// mentions a keyword but no exclusion. Matching is case insensitive substring
// matching, so "temp" also matches "temperature".
func (g *Gate) NeedsTool(msgs []common.Message) bool {
	if len(msgs) == 0 {
		return false
	}
	last := msgs[len(msgs)-1]
	if last.Role != common.User {
		return false
	}
	q := strings.ToLower(last.Content)
	for _, e := range g.Exclusions {
		if strings.Contains(q, strings.ToLower(e)) {
			return false
		}
	}
	for _, k := range g.Keywords {
		if strings.Contains(q, strings.ToLower(k)) {
			return true
		}
	}
	return false
}
