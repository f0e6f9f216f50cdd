// Package semantic asks an OpenAI-compatible chat model whether a healing
// candidate is semantically the same control the user recorded. It is the
// AI tier's backend; the healer treats every failure here as "no opinion".
package semantic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"overlay/internal/dom"
	"overlay/internal/healer"
	"overlay/internal/logging"
)

// Config selects the chat-completions endpoint and model.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Validator is a healer.AIValidator backed by a chat-completions API.
type Validator struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewValidator creates a validator. Zero fields fall back to the OpenAI
// public endpoint and a small default model.
func NewValidator(cfg Config) *Validator {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	return &Validator{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

const systemPrompt = `You verify web automation targets. Given a recorded element descriptor and live page candidates, decide whether the top candidate is the SAME control the user originally interacted with (same purpose, even if text/position/classes changed).
Respond with ONLY a JSON object: {"is_match": true|false, "confidence": 0.0-1.0}`

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Validate implements healer.AIValidator.
func (v *Validator) Validate(ctx context.Context, recorded dom.ElementDescriptor, candidates []healer.Candidate) (healer.Verdict, error) {
	if v.apiKey == "" {
		return healer.Verdict{}, fmt.Errorf("API key not configured")
	}
	if len(candidates) == 0 {
		return healer.Verdict{}, fmt.Errorf("no candidates to validate")
	}

	userPrompt, err := buildPrompt(recorded, candidates)
	if err != nil {
		return healer.Verdict{}, fmt.Errorf("failed to build prompt: %w", err)
	}

	start := time.Now()
	content, err := v.complete(ctx, userPrompt)
	if err != nil {
		return healer.Verdict{}, err
	}

	verdict, err := parseVerdict(content)
	if err != nil {
		logging.APIWarn("unparseable validation response: %v", err)
		return healer.Verdict{}, err
	}
	logging.APIDebug("validation verdict match=%v confidence=%.2f in %v",
		verdict.IsMatch, verdict.Confidence, time.Since(start))
	return verdict, nil
}

func buildPrompt(recorded dom.ElementDescriptor, candidates []healer.Candidate) (string, error) {
	rec, err := json.MarshalIndent(recorded, "", "  ")
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("Recorded element (from the original workflow recording):\n")
	sb.Write(rec)
	sb.WriteString("\n\nLive page candidates, best-scored first:\n")
	for i, c := range candidates {
		node, err := json.Marshal(c.Node)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&sb, "%d. score=%.2f reasons=%v %s\n", i+1, c.Score, c.MatchReasons, node)
	}
	sb.WriteString("\nIs candidate 1 the same control as the recorded element?")
	return sb.String(), nil
}

func (v *Validator) complete(ctx context.Context, userPrompt string) (string, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.httpClient.Timeout)
		defer cancel()
	}

	reqBody := chatRequest{
		Model: v.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		MaxTokens:   256,
		Temperature: 0,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	// Retry loop for rate limits and transient transport errors.
	maxRetries := 2
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(1<<uint(i-1)) * 500 * time.Millisecond):
			}
		}

		req, err := http.NewRequestWithContext(ctx, "POST", v.baseURL+"/chat/completions", bytes.NewReader(jsonData))
		if err != nil {
			return "", fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+v.apiKey)

		resp, err := v.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("rate limit exceeded (429)")
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
		}

		var parsed chatResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return "", fmt.Errorf("failed to parse response: %w", err)
		}
		if parsed.Error != nil {
			return "", fmt.Errorf("API error: %s", parsed.Error.Message)
		}
		if len(parsed.Choices) == 0 {
			return "", fmt.Errorf("no completion returned")
		}
		return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
	}
	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

// parseVerdict tolerates fenced or prose-wrapped JSON; models do not
// reliably honor "JSON only".
func parseVerdict(content string) (healer.Verdict, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return healer.Verdict{}, fmt.Errorf("no JSON object in %q", truncate(content, 120))
	}

	var raw struct {
		IsMatch    bool     `json:"is_match"`
		Confidence *float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
		return healer.Verdict{}, fmt.Errorf("malformed verdict: %w", err)
	}
	if raw.Confidence == nil {
		return healer.Verdict{}, fmt.Errorf("verdict missing confidence")
	}
	return healer.Verdict{IsMatch: raw.IsMatch, Confidence: *raw.Confidence}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
