package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/timmy/reelpilot/internal/domain"
	"github.com/timmy/reelpilot/internal/logger"
	"github.com/timmy/reelpilot/internal/prompts"
)

// Script is the structured output of the script stage.
type Script struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Hashtags    []string `json:"hashtags"`
	Scenes      []Scene  `json:"scenes"`
}

// Scene is one narrated still frame.
type Scene struct {
	Narration   string `json:"narration"`
	ImagePrompt string `json:"image_prompt"`
}

// ScriptWriter turns a job spec into a script.
type ScriptWriter interface {
	WriteScript(ctx context.Context, spec domain.JobSpec) (*Script, error)
}

// LLMConfig holds configuration for the local LLM runtime.
type LLMConfig struct {
	BaseURL string
	Model   string
	APIKey  string
	Timeout time.Duration
}

// LLMClient talks to an OpenAI-compatible chat completion endpoint, such as the one a local Ollama exposes.
type LLMClient struct {
	client   *resty.Client
	model    string
	endpoint string
}

// NewLLMClient creates a client for cfg.BaseURL. A base URL with or without the /v1 suffix is accepted.
func NewLLMClient(cfg LLMConfig) *LLMClient {
	client := resty.New()
	client.SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	client.SetTimeout(timeout)

	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	baseURL = strings.TrimSuffix(baseURL, "/v1")

	return &LLMClient{
		client:   client,
		model:    cfg.Model,
		endpoint: baseURL + "/v1/chat/completions",
	}
}

// GetModel returns the model name being used.
func (c *LLMClient) GetModel() string {
	return c.model
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// WriteScript asks the model for a script and parses its JSON answer.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - spec: job spec providing topic, language, duration and scene count.
// Returns:
//   - *Script: parsed script with at least one scene.
//   - error: non-nil if the call fails or the answer is not a usable script.
func (c *LLMClient) WriteScript(ctx context.Context, spec domain.JobSpec) (*Script, error) {
	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: prompts.ScriptSystemPrompt},
			{Role: "user", Content: prompts.ScriptUserPrompt(prompts.ScriptRequest{
				Topic:           spec.Topic,
				Title:           spec.Title,
				Language:        spec.Language,
				DurationSeconds: spec.DurationSeconds,
				SceneCount:      spec.SceneCount,
			})},
		},
		Temperature: 0.7,
	}

	var resp chatResponse
	httpResp, err := c.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		SetError(&resp).
		Post(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to call LLM API: %w", err)
	}

	if httpResp.IsError() {
		errorMsg := string(httpResp.Body())
		if resp.Error != nil {
			errorMsg = resp.Error.Message
		}
		return nil, fmt.Errorf("LLM API returned HTTP %d: %s", httpResp.StatusCode(), errorMsg)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("LLM API error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("no choices in LLM response")
	}

	script, err := parseScript(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	if spec.SceneCount > 0 && len(script.Scenes) > spec.SceneCount {
		script.Scenes = script.Scenes[:spec.SceneCount]
	}
	logger.CtxDebug(ctx, "Model %s wrote %d scenes", c.model, len(script.Scenes))
	return script, nil
}

// parseScript extracts the JSON object from a model answer, tolerating markdown fences and chatter around it.
func parseScript(content string) (*Script, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("LLM answer contains no JSON object: %.80q", content)
	}

	var script Script
	if err := json.Unmarshal([]byte(content[start:end+1]), &script); err != nil {
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}

	scenes := script.Scenes[:0]
	for _, s := range script.Scenes {
		s.Narration = strings.TrimSpace(s.Narration)
		s.ImagePrompt = strings.TrimSpace(s.ImagePrompt)
		if s.Narration == "" && s.ImagePrompt == "" {
			continue
		}
		scenes = append(scenes, s)
	}
	script.Scenes = scenes
	if len(script.Scenes) == 0 {
		return nil, errors.New("script has no scenes")
	}
	script.Title = strings.TrimSpace(script.Title)
	return &script, nil
}
