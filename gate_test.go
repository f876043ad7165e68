// Copyright 2025 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package pichat

import (
	"testing"

	"github.com/maruel/pichat/llm/common"
)

func TestGate(t *testing.T) {
	g := Gate{
		Keywords:   []string{"status", "temperature", "temp", "memory", "cpu", "uptime", "network", "processes", "disk", "system info"},
		Exclusions: []string{"weather"},
	}
	data := []struct {
		msgs []common.Message
		want bool
	}{
		{[]common.Message{{Role: common.User, Content: "What's the CPU temperature?"}}, true},
		{[]common.Message{{Role: common.User, Content: "Give me some SYSTEM INFO"}}, true},
		{[]common.Message{{Role: common.User, Content: "What's the temperature outside? Check the weather"}}, false},
		{[]common.Message{{Role: common.User, Content: "Tell me a joke"}}, false},
		{[]common.Message{{Role: common.Assistant, Content: "uptime"}}, false},
		{[]common.Message{{Role: common.User, Content: "uptime?"}, {Role: common.Assistant, Content: "3 days"}}, false},
		{[]common.Message{{Role: common.System, Content: "status"}, {Role: common.User, Content: "hi"}}, false},
		{nil, false},
	}
	for i, l := range data {
		if got := g.NeedsTool(l.msgs); got != l.want {
			t.Errorf("#%d: NeedsTool(%v) = %t, want %t", i, l.msgs, got, l.want)
		}
	}
}

func TestGate_Validate(t *testing.T) {
	if err := (&Gate{}).Validate(); err == nil {
		t.Fatal("expected error")
	}
	if err := (&Gate{Keywords: []string{"cpu"}, Exclusions: []string{" "}}).Validate(); err == nil {
		t.Fatal("expected error")
	}
	if err := (&Gate{Keywords: []string{"cpu"}}).Validate(); err != nil {
		t.Fatal(err)
	}
}
