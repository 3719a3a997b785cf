package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"bidtrack/internal/automation"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ResearchConfig OpenAI 兼容接口配置
type ResearchConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// ResearchService produces account research with a chat-completions model.
// Without an API key it answers from the entity snapshot alone.
type ResearchService struct {
	cfg     ResearchConfig
	client  *http.Client
	breaker *CircuitBreaker
	logger  *logrus.Logger
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func NewResearchService(cfg ResearchConfig, breaker *CircuitBreaker, logger *logrus.Logger) *ResearchService {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 800
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if breaker == nil {
		breaker = NewCircuitBreaker(DefaultCircuitBreakerConfig())
	}
	return &ResearchService{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker: breaker,
		logger:  logger,
	}
}

func (s *ResearchService) Breaker() *CircuitBreaker { return s.breaker }

// Research implements automation.Researcher.
func (s *ResearchService) Research(ctx context.Context, req automation.ResearchRequest) (automation.ResearchResult, error) {
	prompt := buildResearchPrompt(req)
	if s.cfg.APIKey == "" {
		return automation.ResearchResult{Text: fallbackResearch(req), Fallback: true}, nil
	}

	var text string
	err := s.breaker.Do(func() error {
		var err error
		text, err = s.complete(ctx, prompt)
		return err
	})
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"project_id":  req.ProjectID,
			"entity_type": req.EntityType,
			"entity_id":   req.EntityID,
			"breaker":     s.breaker.State().String(),
		}).WithError(err).Warn("ai research failed")
		return automation.ResearchResult{}, fmt.Errorf("ai research: %w", err)
	}
	return automation.ResearchResult{Text: text, Model: s.cfg.Model}, nil
}

func (s *ResearchService) complete(ctx context.Context, prompt string) (string, error) {
	ctx, span := otel.Tracer("bidtrack/research").Start(ctx, "ResearchService.complete")
	span.SetAttributes(attribute.String("model", s.cfg.Model))
	defer span.End()

	body, err := json.Marshal(chatRequest{
		Model: s.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: "You are a B2B sales research assistant. Be concise and factual."},
			{Role: "user", Content: prompt},
		},
		Temperature: s.cfg.Temperature,
		MaxTokens:   s.cfg.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimRight(s.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("unmarshal response (status %d): %w", resp.StatusCode, err)
	}
	if out.Error != nil {
		span.SetStatus(codes.Error, out.Error.Message)
		return "", fmt.Errorf("provider error: %s", out.Error.Message)
	}
	if resp.StatusCode >= 300 {
		span.SetStatus(codes.Error, resp.Status)
		return "", fmt.Errorf("provider responded with status %d", resp.StatusCode)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		span.SetStatus(codes.Error, "no choices")
		return "", fmt.Errorf("empty completion")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

var researchKeys = []string{"name", "title", "agency", "domain", "industry", "stage", "status", "amount", "value", "close_date"}

func buildResearchPrompt(req automation.ResearchRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research this %s and summarize what a sales team should know.\n", req.EntityType)
	if req.Focus != "" {
		fmt.Fprintf(&b, "Focus: %s\n", req.Focus)
	}
	if req.Prompt != "" {
		fmt.Fprintf(&b, "Instructions: %s\n", req.Prompt)
	}
	b.WriteString("\nKnown facts:\n")
	for _, k := range researchKeys {
		if v, ok := req.Entity[k]; ok && v != nil && fmt.Sprint(v) != "" {
			fmt.Fprintf(&b, "- %s: %v\n", k, v)
		}
	}
	if custom, ok := req.Entity["custom_fields"].(map[string]interface{}); ok && len(custom) > 0 {
		keys := make([]string, 0, len(custom))
		for k := range custom {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %v\n", k, custom[k])
		}
	}
	return b.String()
}

// fallbackResearch 没有配置模型时的规则摘要
func fallbackResearch(req automation.ResearchRequest) string {
	parts := []string{fmt.Sprintf("%s %s", req.EntityType, req.EntityID)}
	for _, k := range []string{"name", "title", "industry", "stage"} {
		if v, ok := req.Entity[k]; ok && v != nil && fmt.Sprint(v) != "" {
			parts = append(parts, fmt.Sprintf("%s: %v", k, v))
		}
	}
	if req.Focus != "" {
		parts = append(parts, "focus: "+req.Focus)
	}
	return "Automated research is not configured. Snapshot: " + strings.Join(parts, "; ") + "."
}
