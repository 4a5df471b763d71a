package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/arnevik/drover/internal/config"
)

const apiMaxTokens = 8192

// APIInvoker calls a hosted model API directly instead of spawning a CLI.
type APIInvoker struct {
	name   string
	cfg    config.Engine
	client *http.Client
}

func NewAPIInvoker(name string, cfg config.Engine) *APIInvoker {
	timeout := time.Duration(cfg.DefaultTimeout()) * time.Second
	return &APIInvoker{
		name:   name,
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (r *APIInvoker) Name() string { return r.name }
func (r *APIInvoker) Mode() string { return "api" }

func (r *APIInvoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	key := os.Getenv(r.cfg.APIKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("engine %s: environment variable %s is not set", r.name, r.cfg.APIKeyEnv)
	}

	start := time.Now()
	var (
		res *Result
		err error
	)
	switch r.cfg.Provider {
	case "openai":
		res, err = r.invokeOpenAI(ctx, key, req.Prompt)
	case "anthropic":
		res, err = r.invokeAnthropic(ctx, key, req.Prompt)
	case "google":
		res, err = r.invokeGoogle(ctx, key, req.Prompt)
	default:
		return nil, fmt.Errorf("engine %s: unknown provider %q", r.name, r.cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	res.Duration = time.Since(start)
	return res, nil
}

func (r *APIInvoker) invokeOpenAI(ctx context.Context, key, prompt string) (*Result, error) {
	body := map[string]any{
		"model": r.cfg.Model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}
	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	headers := map[string]string{"Authorization": "Bearer " + key}
	if err := r.postJSON(ctx, "https://api.openai.com/v1/chat/completions", headers, body, &out); err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("engine %s: empty response", r.name)
	}
	return &Result{
		Output:    strings.TrimSpace(out.Choices[0].Message.Content),
		TokensIn:  out.Usage.PromptTokens,
		TokensOut: out.Usage.CompletionTokens,
	}, nil
}

func (r *APIInvoker) invokeAnthropic(ctx context.Context, key, prompt string) (*Result, error) {
	body := map[string]any{
		"model":      r.cfg.Model,
		"max_tokens": apiMaxTokens,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}
	var out struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	headers := map[string]string{
		"x-api-key":         key,
		"anthropic-version": "2023-06-01",
	}
	if err := r.postJSON(ctx, "https://api.anthropic.com/v1/messages", headers, body, &out); err != nil {
		return nil, err
	}
	if len(out.Content) == 0 {
		return nil, fmt.Errorf("engine %s: empty response", r.name)
	}
	return &Result{
		Output:    strings.TrimSpace(out.Content[0].Text),
		TokensIn:  out.Usage.InputTokens,
		TokensOut: out.Usage.OutputTokens,
	}, nil
}

func (r *APIInvoker) invokeGoogle(ctx context.Context, key, prompt string) (*Result, error) {
	url := fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent?key=%s",
		r.cfg.Model, key)
	body := map[string]any{
		"contents": []map[string]any{
			{"parts": []map[string]string{{"text": prompt}}},
		},
	}
	var out struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
		UsageMetadata struct {
			PromptTokenCount     int `json:"promptTokenCount"`
			CandidatesTokenCount int `json:"candidatesTokenCount"`
		} `json:"usageMetadata"`
	}
	if err := r.postJSON(ctx, url, nil, body, &out); err != nil {
		return nil, err
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("engine %s: empty response", r.name)
	}
	return &Result{
		Output:    strings.TrimSpace(out.Candidates[0].Content.Parts[0].Text),
		TokensIn:  out.UsageMetadata.PromptTokenCount,
		TokensOut: out.UsageMetadata.CandidatesTokenCount,
	}, nil
}

func (r *APIInvoker) postJSON(ctx context.Context, url string, headers map[string]string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("engine %s: encode request: %w", r.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("engine %s: build request: %w", r.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("engine %s: %w", r.name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("engine %s: read response: %w", r.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("engine %s: API returned %d: %s", r.name, resp.StatusCode, tail(string(data), 300))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("engine %s: decode response: %w", r.name, err)
	}
	return nil
}
