// Package llm talks to a local Ollama model to classify messages and
// to drive taxonomy induction.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/fenilsonani/mailmap/internal/config"
	"github.com/fenilsonani/mailmap/internal/logging"
	"github.com/fenilsonani/mailmap/internal/resilience"
)

// Classification is the result of classifying one message.
type Classification struct {
	Category   string
	Confidence float64
}

// FolderDescription is a generated description for an existing folder.
type FolderDescription struct {
	Folder      string
	Description string
}

// SuggestedCategory is a candidate taxonomy entry produced during
// refinement or normalization.
type SuggestedCategory struct {
	Name        string
	Description string
	MergedFrom  []string
}

// Assignment ties a sample message to a suggested category during
// batch refinement.
type Assignment struct {
	MessageID string
	Category  string
}

// Sample is the minimal message content shown to the model.
type Sample struct {
	MessageID string
	Subject   string
	From      string
	Body      string
}

// Client is an Ollama-backed classifier, guarded by a circuit breaker
// and a local rate limiter.
type Client struct {
	cfg     config.OllamaConfig
	http    *http.Client
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	log     *logging.Logger
}

// New builds a Client from configuration.
func New(cfg config.OllamaConfig, log *logging.Logger) *Client {
	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 2
	}
	cbCfg := resilience.DefaultConfig("ollama")
	cbCfg.ExecutionTimeout = time.Duration(cfg.TimeoutSeconds) * time.Second

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		breaker: resilience.NewCircuitBreaker(cbCfg),
		log:     log.LLM(),
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// generate sends one prompt to Ollama's /api/generate endpoint,
// respecting the rate limiter and circuit breaker.
func (c *Client) generate(ctx context.Context, prompt string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("llm: rate limiter: %w", err)
	}

	var out string
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		body, err := json.Marshal(generateRequest{Model: c.cfg.Model, Prompt: prompt, Stream: false})
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			strings.TrimRight(c.cfg.BaseURL, "/")+"/api/generate", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("llm: generate request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("llm: generate status %d", resp.StatusCode)
		}

		var parsed generateResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return fmt.Errorf("llm: decode generate response: %w", err)
		}
		out = parsed.Response
		return nil
	})
	if err != nil {
		c.log.WarnContext(ctx, "generate call failed", "error", err)
		return "", err
	}
	return out, nil
}

// extractJSON returns the substring between the first occurrence of
// open and the last occurrence of close, or "" if either delimiter
// is missing or they are not in the right order. Model output is frequently prose
// wrapped around a JSON payload.
func extractJSON(text string, open, close byte) string {
	start := strings.IndexByte(text, open)
	end := strings.LastIndexByte(text, close)
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

func normalizeFolderName(predicted string, valid map[string]bool) (string, bool) {
	lowerMap := make(map[string]string, len(valid))
	for name := range valid {
		lowerMap[strings.ToLower(name)] = name
	}

	lower := strings.ToLower(predicted)
	if name, ok := lowerMap[lower]; ok {
		return name, true
	}
	if strings.HasSuffix(lower, "s") {
		if name, ok := lowerMap[strings.TrimSuffix(lower, "s")]; ok {
			return name, true
		}
	} else if name, ok := lowerMap[lower+"s"]; ok {
		return name, true
	}
	return "", false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
