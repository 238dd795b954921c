package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/TobiSchelling/trialwatch/internal/config"
	"github.com/TobiSchelling/trialwatch/internal/logging"
)

func TestParseStringArrayPlain(t *testing.T) {
	got, err := ParseStringArray(`["a", "b"]`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("unexpected result %v", got)
	}
}

func TestParseStringArrayWithCodeFence(t *testing.T) {
	got, err := ParseStringArray("```json\n[\"what app is this\"]\n```")
	if err != nil || len(got) != 1 || got[0] != "what app is this" {
		t.Errorf("unexpected result %v (%v)", got, err)
	}
}

func TestParseStringArrayWithProse(t *testing.T) {
	got, err := ParseStringArray("Here you go:\n[\"x\"]\nHope that helps.")
	if err != nil || len(got) != 1 {
		t.Errorf("unexpected result %v (%v)", got, err)
	}
}

func TestParseStringArrayEmptyArray(t *testing.T) {
	got, err := ParseStringArray("[]")
	if err != nil || len(got) != 0 {
		t.Errorf("unexpected result %v (%v)", got, err)
	}
}

func TestParseStringArrayInvalid(t *testing.T) {
	for _, in := range []string{"", "not json at all", `{"key": "value"}`, `[1, 2]`} {
		if _, err := ParseStringArray(in); err == nil {
			t.Errorf("expected error for %q", in)
		}
	}
}

func TestStripCodeFenceUnterminated(t *testing.T) {
	if got := StripCodeFence("```\n[\"a\"]"); got != `["a"]` {
		t.Errorf("unexpected result %q", got)
	}
}

func TestOpenAIGenerateSendsSystemPrompt(t *testing.T) {
	var req struct {
		Model       string              `json:"model"`
		Messages    []map[string]string `json:"messages"`
		MaxTokens   int                 `json:"max_tokens"`
		Temperature float64             `json:"temperature"`
	}
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&req)
		w.Write([]byte(`{"choices": [{"message": {"content": "[\"ok\"]"}}]}`))
	}))
	defer srv.Close()

	p := &OpenAIProvider{
		Model: "gpt-4o", APIKey: "k", BaseURL: srv.URL,
		System: DefaultSystemPrompt, Temperature: DefaultTemperature, client: srv.Client(),
	}
	out, err := p.Generate(context.Background(), "classify", 500)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != `["ok"]` {
		t.Errorf("unexpected output %q", out)
	}
	if auth != "Bearer k" {
		t.Errorf("unexpected auth header %q", auth)
	}
	if len(req.Messages) != 2 || req.Messages[0]["role"] != "system" || req.Messages[1]["content"] != "classify" {
		t.Errorf("unexpected messages %v", req.Messages)
	}
	if req.MaxTokens != 500 || req.Temperature != 0.2 || req.Model != "gpt-4o" {
		t.Errorf("unexpected request %+v", req)
	}
}

func TestOpenAIGenerateErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := &OpenAIProvider{Model: "gpt-4o", APIKey: "k", BaseURL: srv.URL, client: srv.Client()}
	if _, err := p.Generate(context.Background(), "x", 10); err == nil {
		t.Error("expected error")
	}
}

func TestOllamaGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.Write([]byte(`{"models": [{"name": "qwen2.5:7b"}]}`))
		case "/api/chat":
			w.Write([]byte(`{"message": {"content": "[]"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := NewOllamaProvider("qwen2.5:7b", srv.URL)
	if !p.IsConfigured() {
		t.Fatal("expected model to be found")
	}
	out, err := p.Generate(context.Background(), "x", 10)
	if err != nil || out != "[]" {
		t.Errorf("unexpected output %q (%v)", out, err)
	}
}

func TestCreateProviderWithoutKeys(t *testing.T) {
	c := config.Default().Comments
	c.APIKeyEnv = "TRIALWATCH_TEST_NO_SUCH_KEY"
	if p := CreateProvider(c, logging.Discard()); p != nil {
		t.Errorf("expected nil provider, got %T", p)
	}

	t.Setenv(c.APIKeyEnv, "sk-test")
	if _, ok := CreateProvider(c, logging.Discard()).(*OpenAIProvider); !ok {
		t.Error("expected OpenAI provider")
	}
}
