// Copyright 2025 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package pichat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/maruel/pichat/internal/internaltest"
	"github.com/maruel/pichat/llm/common"
	"github.com/maruel/pichat/llm/llamacpp"
	"github.com/maruel/pichat/llm/tools"
)

func TestHandler_Tool(t *testing.T) {
	srv := newFakeLlama(t)
	srv.detect = "  get_system_uptime()\n"
	srv.stream = "data: {\"content\":\"Up \",\"stop\":false}\n\n" +
		"data: {\"content\":\"3 days.\",\"stop\":false}\n\n" +
		"data: {\"content\":\"\",\"stop\":true}\n\n"
	o := newTestOrchestrator(t, srv.URL, stubTool("get_system_uptime", `{"uptime":"3 days"}`))

	code, body := post(t, o, `{"messages":[{"role":"user","content":"What is the uptime?"}]}`)
	if code != http.StatusOK {
		t.Fatal(code, body)
	}
	want := "data: {\"choices\":[{\"delta\":{\"content\":\"Up \"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"3 days.\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"\"}}]}\n\n" +
		"data: [DONE]\n\n"
	if diff := cmp.Diff(want, body); diff != "" {
		t.Fatal(diff)
	}

	reqs := srv.requests()
	if len(reqs) != 2 {
		t.Fatalf("want detection and final calls, got %d", len(reqs))
	}
	detect := reqs[0]
	if detect["stream"] != false || detect["n_predict"] != 128. || detect["temperature"] != 0.1 {
		t.Fatalf("detection call: %v", detect)
	}
	if g, _ := detect["grammar"].(string); !strings.Contains(g, "root ::=") || !strings.HasSuffix(g, "\ntool ::= \"get_system_uptime\"\n") {
		t.Fatalf("grammar not sent: %q", g)
	}
	final := reqs[1]
	if final["stream"] != true || final["n_predict"] != 256. || final["temperature"] != 0.7 || final["cache_prompt"] != false {
		t.Fatalf("final call: %v", final)
	}
	if diff := cmp.Diff([]any{"<|im_end|>", "<|im_start|>", "\n<|"}, final["stop"]); diff != "" {
		t.Fatal(diff)
	}
	prompt := final["prompt"].(string)
	wantTail := "<|im_start|>user\nWhat is the uptime?<|im_end|>\n" +
		"<|im_start|>assistant\n<|tool_call_start|>[get_system_uptime()]<|tool_call_end|>Checking system information...<|im_end|>\n" +
		"<|im_start|>tool\n<|tool_response_start|>{\"uptime\":\"3 days\"}<|tool_response_end|><|im_end|>\n" +
		"<|im_start|>assistant\n"
	if !strings.HasSuffix(prompt, wantTail) {
		t.Fatalf("unexpected prompt:\n%s", prompt)
	}
	if !strings.HasPrefix(prompt, "<|im_start|>system\nYou are LFM2") {
		t.Fatalf("missing system prompt:\n%s", prompt)
	}
}

func TestHandler_NoMatch(t *testing.T) {
	for _, out := range []string{"get_system_uptime( )", "get_unknown_tool()", "I am not sure."} {
		t.Run(out, func(t *testing.T) {
			srv := newFakeLlama(t)
			srv.detect = out + "\n"
			o := newTestOrchestrator(t, srv.URL, stubTool("get_system_uptime", `{"uptime":"3 days"}`))
			code, body := post(t, o, `{"messages":[{"role":"user","content":"system status?"}]}`)
			if code != http.StatusOK {
				t.Fatal(code, body)
			}
			b, _ := json.Marshal(out)
			want := "data: {\"choices\":[{\"delta\":{\"content\":" + string(b) + "}}]}\n\ndata: [DONE]\n\n"
			if diff := cmp.Diff(want, body); diff != "" {
				t.Fatal(diff)
			}
			if n := len(srv.requests()); n != 1 {
				t.Fatalf("the backend must not be queried again, got %d calls", n)
			}
		})
	}
}

func TestHandler_Chat(t *testing.T) {
	srv := newFakeLlama(t)
	srv.stream = "data: {\"content\":\"Hi\",\"stop\":false}\n\ndata: {\"content\":\"!\",\"stop\":true}\n\n"
	o := newTestOrchestrator(t, srv.URL, stubTool("get_system_uptime", `{}`))
	code, body := post(t, o, `{"messages":[{"role":"user","content":"Hello"}]}`)
	if code != http.StatusOK {
		t.Fatal(code, body)
	}
	want := "data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"!\"}}]}\n\n" +
		"data: [DONE]\n\n"
	if diff := cmp.Diff(want, body); diff != "" {
		t.Fatal(diff)
	}
	reqs := srv.requests()
	if len(reqs) != 1 {
		t.Fatalf("detection must be skipped, got %d calls", len(reqs))
	}
	if reqs[0]["stream"] != true || reqs[0]["n_predict"] != 512. || reqs[0]["grammar"] != nil {
		t.Fatalf("chat call: %v", reqs[0])
	}
	if _, ok := reqs[0]["cache_prompt"]; ok {
		t.Fatal("cache_prompt must only be set on the final call")
	}
}

func TestHandler_DetectionFailure(t *testing.T) {
	srv := newFakeLlama(t)
	srv.detectStatus = http.StatusServiceUnavailable
	o := newTestOrchestrator(t, srv.URL, stubTool("get_system_uptime", `{}`))
	code, body := post(t, o, `{"messages":[{"role":"user","content":"uptime?"}]}`)
	if code != http.StatusBadGateway {
		t.Fatal(code, body)
	}
	e := errorResponse{}
	if err := json.Unmarshal([]byte(body), &e); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(e.Error, "tool detection failed") {
		t.Fatal(e.Error)
	}
}

func TestHandler_ChatFailure(t *testing.T) {
	srv := newFakeLlama(t)
	srv.streamStatus = http.StatusInternalServerError
	o := newTestOrchestrator(t, srv.URL, stubTool("get_system_uptime", `{}`))
	code, body := post(t, o, `{"messages":[{"role":"user","content":"Hello"}]}`)
	if code != http.StatusBadGateway || !strings.Contains(body, "chat completion failed") {
		t.Fatal(code, body)
	}
}

func TestHandler_FinalFailure(t *testing.T) {
	data := []struct {
		name   string
		result string
		want   string
	}{
		{
			"status",
			`{"cpu_temp":"48.3°C","memory_usage":"25.0%","disk_usage":"24%"}`,
			"The Raspberry Pi's CPU temperature is 48.3°C and memory usage is 25.0%.",
		},
		{
			"error",
			`{"error":"could not run get_raspberry_pi_status","details":"boom"}`,
			"I retrieved the system status but encountered an issue displaying it.",
		},
	}
	for _, l := range data {
		t.Run(l.name, func(t *testing.T) {
			srv := newFakeLlama(t)
			srv.detect = "get_raspberry_pi_status()"
			srv.streamStatus = http.StatusInternalServerError
			o := newTestOrchestrator(t, srv.URL, stubTool("get_raspberry_pi_status", l.result))
			code, body := post(t, o, `{"messages":[{"role":"user","content":"CPU temperature?"}]}`)
			if code != http.StatusOK {
				t.Fatal(code, body)
			}
			b, _ := json.Marshal(l.want)
			want := "data: {\"choices\":[{\"delta\":{\"content\":" + string(b) + "}}]}\n\ndata: [DONE]\n\n"
			if diff := cmp.Diff(want, body); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}

func TestHandler_BadRequest(t *testing.T) {
	o := newTestOrchestrator(t, "http://127.0.0.1:1", stubTool("get_system_uptime", `{}`))
	for _, in := range []string{`{`, `{"messages":[]}`, `{"messages":"hi"}`} {
		if code, body := post(t, o, in); code != http.StatusBadRequest {
			t.Fatal(in, code, body)
		}
	}
	ctx, _ := internaltest.Log(t)
	w := httptest.NewRecorder()
	Handler(o).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/chat", nil).WithContext(ctx))
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatal(w.Code)
	}
}

func TestEnsureSystem(t *testing.T) {
	o := &Orchestrator{SystemPrompt: "sys"}
	in := []common.Message{
		{Role: common.System, Content: "old"},
		{Role: common.User, Content: "hi"},
		{Role: common.Assistant, Content: "hello"},
		{Role: common.User, Content: "uptime?"},
	}
	got := o.ensureSystem(in)
	// Replaying the output must not accumulate system messages.
	got = o.ensureSystem(got)
	want := []common.Message{
		{Role: common.System, Content: "sys"},
		{Role: common.User, Content: "hi"},
		{Role: common.Assistant, Content: "hello"},
		{Role: common.User, Content: "uptime?"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatal(diff)
	}
	if in[0].Content != "old" {
		t.Fatal("input was modified")
	}
	got = o.ensureSystem(in[1:2])
	want = []common.Message{{Role: common.System, Content: "sys"}, {Role: common.User, Content: "hi"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatal(diff)
	}
}

func TestRespond_Fake(t *testing.T) {
	ctx, _ := internaltest.Log(t)
	reg, err := tools.NewRegistry(stubTool("get_system_uptime", `{"uptime":"3 days"}`))
	if err != nil {
		t.Fatal(err)
	}
	llm := &fakeCompleter{detect: "get_system_uptime()", streamErr: errors.New("backend gone")}
	o := &Orchestrator{
		LLM:      llm,
		Tools:    reg,
		Gate:     Gate{Keywords: []string{"uptime"}},
		Encoding: &llamacpp.ChatML,
		Grammar:  func(context.Context) (string, error) { return "root ::= \"x\"", nil },
	}
	reply, err := o.Respond(ctx, []common.Message{{Role: common.User, Content: "Uptime?"}})
	if err != nil {
		t.Fatal(err)
	}
	want := &Reply{
		Detection: Detection{Kind: Matched, Raw: "get_system_uptime()", Tool: "get_system_uptime"},
		Text:      "The Raspberry Pi has been up for 3 days.",
		Fallback:  true,
	}
	if diff := cmp.Diff(want, reply); diff != "" {
		t.Fatal(diff)
	}
	if llm.grammar != "root ::= \"x\"" {
		t.Fatal(llm.grammar)
	}

	o.Grammar = func(context.Context) (string, error) { return "", errors.New("no grammar") }
	if _, err = o.Respond(ctx, []common.Message{{Role: common.User, Content: "Uptime?"}}); err == nil {
		t.Fatal("expected error")
	}
}

func TestFallbackText(t *testing.T) {
	data := []struct {
		in   string
		want string
	}{
		{`{"cpu_temp":"50.0°C","memory_usage":"10.0%"}`, "The Raspberry Pi's CPU temperature is 50.0°C and memory usage is 10.0%."},
		{`{"cpu_temp":"50.0°C"}`, "I retrieved the system status but encountered an issue displaying it."},
		{`{"uptime":"2 hours"}`, "The Raspberry Pi has been up for 2 hours."},
		{`{"uptime":"unavailable","error":"x"}`, "I retrieved the system status but encountered an issue displaying it."},
		{`{"cpu_temp":48.3,"memory_usage":25}`, "The Raspberry Pi's CPU temperature is 48.3 and memory usage is 25."},
		{`{"cpu_temp":0,"memory_usage":25}`, "I retrieved the system status but encountered an issue displaying it."},
		{`{"cpu_temp":"unavailable","memory_usage":"10.0%","disk_usage":"40%","error":"x"}`, "I retrieved the system status but encountered an issue displaying it."},
		{`{"cpu_temp":"unavailable","memory_usage":"10.0%","uptime":"2 hours"}`, "The Raspberry Pi has been up for 2 hours."},
		{`{"uptime":true}`, "I retrieved the system status but encountered an issue displaying it."},
		{`not json`, "I retrieved the system status but encountered an issue displaying it."},
	}
	for _, l := range data {
		if got := fallbackText(l.in); got != l.want {
			t.Errorf("fallbackText(%q) = %q, want %q", l.in, got, l.want)
		}
	}
}

func TestWithToolRule(t *testing.T) {
	r, err := tools.NewRegistry(stubTool("get_weather", "{}"), stubTool("get_system_uptime", "{}"))
	if err != nil {
		t.Fatal(err)
	}
	in := "root ::= call | text\ncall ::= tool \"()\"\ntool ::= \"get_network_info\"\ntext ::= [^\\n<(]+\n"
	want := "root ::= call | text\ncall ::= tool \"()\"\ntext ::= [^\\n<(]+\n" +
		"tool ::= \"get_weather\" | \"get_system_uptime\"\n"
	if diff := cmp.Diff(want, withToolRule(in, r)); diff != "" {
		t.Fatal(diff)
	}

	// Rules merely starting with the same prefix are kept.
	in = "toolbox ::= \"x\"\n"
	if diff := cmp.Diff(in+"tool ::= \"get_weather\" | \"get_system_uptime\"\n", withToolRule(in, r)); diff != "" {
		t.Fatal(diff)
	}

	empty, err := tools.NewRegistry()
	if err != nil {
		t.Fatal(err)
	}
	if got := withToolRule(in, empty); got != in {
		t.Fatal(got)
	}
}

func TestDetectionKind(t *testing.T) {
	if s := Matched.String(); s != "matched" {
		t.Fatal(s)
	}
	if s := DetectionKind(42).String(); s != "DetectionKind(42)" {
		t.Fatal(s)
	}
}

//

func stubTool(name, result string) tools.Tool {
	return tools.Tool{
		Definition: tools.Definition{Name: name, Description: "stub"},
		Call:       func(context.Context) string { return result },
	}
}

func newTestOrchestrator(t *testing.T, url string, tl ...tools.Tool) *Orchestrator {
	cfg := Config{}
	if err := cfg.LoadOrDefault(filepath.Join(t.TempDir(), "config.yml")); err != nil {
		t.Fatal(err)
	}
	cfg.LLM.URL = url
	reg, err := tools.NewRegistry(tl...)
	if err != nil {
		t.Fatal(err)
	}
	o, err := New(&cfg, &llamacpp.Client{BaseURL: url, Encoding: cfg.LLM.Encoding()}, reg)
	if err != nil {
		t.Fatal(err)
	}
	return o
}

func post(t *testing.T, o *Orchestrator, body string) (int, string) {
	ctx, _ := internaltest.Log(t)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body)).WithContext(ctx)
	Handler(o).ServeHTTP(w, r)
	if w.Code == http.StatusOK {
		if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
			t.Fatalf("unexpected content type %q", ct)
		}
	}
	return w.Code, w.Body.String()
}

// fakeLlama mimics llama-server's /completion endpoint.
type fakeLlama struct {
	*httptest.Server
	detect       string
	detectStatus int
	stream       string
	streamStatus int

	mu   sync.Mutex
	reqs []map[string]any
}

func newFakeLlama(t *testing.T) *fakeLlama {
	f := &fakeLlama{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/completion" {
			http.NotFound(w, r)
			return
		}
		req := map[string]any{}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Error(err)
		}
		f.mu.Lock()
		f.reqs = append(f.reqs, req)
		f.mu.Unlock()
		if req["stream"] == true {
			if f.streamStatus != 0 {
				http.Error(w, `{"error":{"code":500,"message":"slot unavailable","type":"server_error"}}`, f.streamStatus)
				return
			}
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = io.WriteString(w, f.stream)
			return
		}
		if f.detectStatus != 0 {
			http.Error(w, "loading model", f.detectStatus)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"content": f.detect, "stop": true})
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeLlama) requests() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.reqs...)
}

type fakeCompleter struct {
	detect    string
	streamErr error
	grammar   string
}

func (f *fakeCompleter) Complete(ctx context.Context, msgs []common.Message, s llamacpp.Sampling, grammar string) (string, error) {
	f.grammar = grammar
	return f.detect, nil
}

func (f *fakeCompleter) CompleteStream(ctx context.Context, msgs []common.Message, s llamacpp.Sampling) (io.ReadCloser, error) {
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return io.NopCloser(strings.NewReader("")), nil
}
