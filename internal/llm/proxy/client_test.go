package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"ForgeOS-Agent/internal/llm"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when url is missing")
	}
}

func TestGenerateForwardsContext(t *testing.T) {
	var body map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		defer r.Body.Close()
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]any{"decision": map[string]any{"action": "ACCUMULATE"}})
	}))
	defer srv.Close()

	client, err := NewClient(Config{URL: srv.URL, Token: "secret"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp, err := client.Generate(context.Background(), llm.Request{
		Prompt:   "p",
		Agent:    map[string]any{"name": "forge"},
		Snapshot: map[string]any{"walletKas": 12.5},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if auth != "Bearer secret" {
		t.Fatalf("unexpected auth header %q", auth)
	}
	if body["prompt"] != "p" || body["agent"] == nil || body["kasData"] == nil {
		t.Fatalf("unexpected body %v", body)
	}
	if _, ok := resp.Payload.(map[string]any)["decision"]; !ok {
		t.Fatalf("unexpected payload %#v", resp.Payload)
	}
}

func TestGenerateInvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>"))
	}))
	defer srv.Close()

	client, _ := NewClient(Config{URL: srv.URL})
	if _, err := client.Generate(context.Background(), llm.Request{}); err == nil {
		t.Fatal("expected decode error")
	}
}
