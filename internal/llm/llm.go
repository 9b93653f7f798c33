package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/pavelanni/osce/internal/llm/prompts"
	"github.com/pavelanni/osce/internal/metrics"
	"github.com/pavelanni/osce/internal/model"
)

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api     *openai.Client
	model   string
	limiter *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithRateLimit caps outgoing calls to rps per second. Zero or negative means
// unlimited.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// New creates a new LLM client.
func New(baseURL, apiKey, modelName string, opts ...Option) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	c := &Client{
		api:   openai.NewClientWithConfig(config),
		model: modelName,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Ping checks that the endpoint answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.api.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("LLM ping: %w", err)
	}
	return nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("LLM rate limit: %w", err)
	}
	return nil
}

// Complete produces the next patient utterance given the persona system prompt
// and the conversation so far. The last turn is expected to be the student's.
func (c *Client) Complete(ctx context.Context, system string, turns []model.Turn) (text string, err error) {
	start := time.Now()
	defer func() { metrics.ObserveLLM("reply", start, err) }()

	if err := c.wait(ctx); err != nil {
		return "", err
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    chatMessages(system, turns),
		Temperature: 0.4,
		MaxTokens:   200,
	})
	if err != nil {
		return "", fmt.Errorf("LLM API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("LLM returned no choices")
	}

	text = strings.TrimSpace(resp.Choices[0].Message.Content)
	slog.Debug("LLM reply", "raw", text)
	if text == "" {
		return "", errors.New("LLM returned an empty reply")
	}
	return text, nil
}

// Match asks the model which rubric items the transcript demonstrates.
func (c *Client) Match(ctx context.Context, items []model.RubricItem, turns []model.Turn) (out []model.ItemJudgement, err error) {
	start := time.Now()
	defer func() { metrics.ObserveLLM("match", start, err) }()

	systemPrompt, err := prompts.BuildMatch(items, turns)
	if err != nil {
		return nil, err
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("LLM matching API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("LLM returned no choices for matching")
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM match response", "raw", raw)
	return parseJudgements(raw, items)
}

// chatMessages maps the transcript onto chat roles: the patient speaks as the
// assistant, the student as the user.
func chatMessages(system string, turns []model.Turn) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(turns)+1)
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	for _, t := range turns {
		if t.Role == model.RolePatient {
			msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: t.Text})
			continue
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompts.Wrap(t.Text)})
	}
	return msgs
}

type matchResponse struct {
	Items []struct {
		ItemID       string  `json:"item_id"`
		Demonstrated bool    `json:"demonstrated"`
		Confidence   float64 `json:"confidence"`
		Evidence     string  `json:"evidence"`
	} `json:"items"`
}

// parseJudgements decodes the matcher JSON, drops ids that are not in the
// rubric and clamps confidence into [0,1].
func parseJudgements(raw string, items []model.RubricItem) ([]model.ItemJudgement, error) {
	var resp matchResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, fmt.Errorf("parse matching response: %w (raw: %s)", err, raw)
	}

	known := make(map[string]bool, len(items))
	for _, it := range items {
		known[it.ID] = true
	}

	out := make([]model.ItemJudgement, 0, len(resp.Items))
	for _, j := range resp.Items {
		if !known[j.ItemID] {
			slog.Warn("matcher returned unknown rubric item", "item_id", j.ItemID)
			continue
		}
		conf := j.Confidence
		switch {
		case conf < 0:
			conf = 0
		case conf > 1:
			conf = 1
		}
		out = append(out, model.ItemJudgement{
			ItemID:       j.ItemID,
			Demonstrated: j.Demonstrated,
			Confidence:   conf,
			Evidence:     strings.TrimSpace(j.Evidence),
		})
	}
	return out, nil
}
