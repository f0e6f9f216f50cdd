package semantic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"overlay/internal/dom"
	"overlay/internal/healer"
)

func chatReply(t *testing.T, w http.ResponseWriter, content string) {
	t.Helper()
	resp := map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]string{"content": content}},
		},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		t.Fatalf("encode reply: %v", err)
	}
}

func testDescriptor() dom.ElementDescriptor {
	return dom.ElementDescriptor{
		Selectors: dom.SelectorSet{Primary: "#save"},
		Meta:      dom.Metadata{Tag: "button", Text: "Save"},
	}
}

func testCandidates() []healer.Candidate {
	return []healer.Candidate{
		{Node: dom.Node{Ref: "r1", Tag: "button", Text: "Save all"}, Score: 0.55},
	}
}

func TestValidateMatch(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(req.Messages) != 2 {
			t.Errorf("messages = %d, want system+user", len(req.Messages))
		}
		chatReply(t, w, `{"is_match": true, "confidence": 0.91}`)
	}))
	defer srv.Close()

	v := NewValidator(Config{APIKey: "test-key", BaseURL: srv.URL})
	verdict, err := v.Validate(context.Background(), testDescriptor(), testCandidates())
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !verdict.IsMatch || verdict.Confidence != 0.91 {
		t.Errorf("verdict = %+v", verdict)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("auth header = %q", gotAuth)
	}
}

func TestValidateFencedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chatReply(t, w, "```json\n{\"is_match\": false, \"confidence\": 0.2}\n```")
	}))
	defer srv.Close()

	v := NewValidator(Config{APIKey: "k", BaseURL: srv.URL})
	verdict, err := v.Validate(context.Background(), testDescriptor(), testCandidates())
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if verdict.IsMatch || verdict.Confidence != 0.2 {
		t.Errorf("verdict = %+v", verdict)
	}
}

func TestValidateRetriesRateLimit(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		chatReply(t, w, `{"is_match": true, "confidence": 0.7}`)
	}))
	defer srv.Close()

	v := NewValidator(Config{APIKey: "k", BaseURL: srv.URL, Timeout: 5 * time.Second})
	verdict, err := v.Validate(context.Background(), testDescriptor(), testCandidates())
	if err != nil {
		t.Fatalf("Validate after retry: %v", err)
	}
	if !verdict.IsMatch {
		t.Error("expected match after retry")
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestValidateServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	v := NewValidator(Config{APIKey: "k", BaseURL: srv.URL})
	if _, err := v.Validate(context.Background(), testDescriptor(), testCandidates()); err == nil {
		t.Fatal("expected error on 500")
	}
}

func TestValidateNoKey(t *testing.T) {
	v := NewValidator(Config{})
	if _, err := v.Validate(context.Background(), testDescriptor(), testCandidates()); err == nil {
		t.Fatal("expected error without API key")
	}
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    healer.Verdict
		wantErr bool
	}{
		{"plain", `{"is_match":true,"confidence":0.8}`, healer.Verdict{IsMatch: true, Confidence: 0.8}, false},
		{"prose wrapped", `Sure! {"is_match":false,"confidence":0.1} Hope that helps.`, healer.Verdict{Confidence: 0.1}, false},
		{"missing confidence", `{"is_match":true}`, healer.Verdict{}, true},
		{"no json", `I cannot determine that.`, healer.Verdict{}, true},
		{"garbage braces", `{not json}`, healer.Verdict{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseVerdict(tt.content)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("verdict = %+v, want %+v", got, tt.want)
			}
		})
	}
}
