package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/tjfontaine/trialmatch/internal/core/domain"
	"github.com/tjfontaine/trialmatch/internal/core/ports"
)

const defaultModel = "gpt-4o-mini"

const systemPrompt = `You extract structured oncology patient data from a clinician's message.
Reply with one JSON object using only these keys:
  age (integer), sex ("female" or "male"), cancer_type (string), stage (Roman numeral with optional letter),
  ecog (integer 0-4), pdl1_score (number, percent), biomarkers (object of marker name to status),
  prior_treatments (array of lowercase drug or therapy names).
Include a key only when the message states it. Use null only when the message explicitly retracts a value.
The current profile is given for context; do not repeat fields the message does not change.`

// OpenAIConfig configures the OpenAI extractor.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

// OpenAIExtractor asks a chat model for a profile delta in JSON mode.
type OpenAIExtractor struct {
	client *openai.Client
	model  string
}

// NewOpenAIExtractor creates an extractor. BaseURL may point at any
// OpenAI-compatible endpoint.
func NewOpenAIExtractor(cfg OpenAIConfig) *OpenAIExtractor {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		config.HTTPClient = cfg.HTTPClient
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}

	return &OpenAIExtractor{
		client: openai.NewClientWithConfig(config),
		model:  model,
	}
}

// Extract returns the fields the model found in text.
func (e *OpenAIExtractor) Extract(ctx context.Context, text string, current domain.PatientProfile) (domain.PatientProfile, error) {
	currentJSON, err := json.Marshal(current)
	if err != nil {
		return domain.PatientProfile{}, fmt.Errorf("failed to marshal current profile: %w", err)
	}

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleSystem, Content: "Current profile: " + string(currentJSON)},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0,
	})
	if err != nil {
		return domain.PatientProfile{}, fmt.Errorf("profile extraction request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return domain.PatientProfile{}, errors.New("profile extraction returned no choices")
	}

	return parseDelta([]byte(resp.Choices[0].Message.Content))
}

// parseDelta decodes a model reply. Unknown keys are ignored.
func parseDelta(data []byte) (domain.PatientProfile, error) {
	data = bytes.TrimSpace(data)
	var p domain.PatientProfile
	if err := json.Unmarshal(data, &p); err != nil {
		return domain.PatientProfile{}, fmt.Errorf("failed to decode profile delta: %w", err)
	}
	return p, nil
}

// Fallback tries Primary and falls back to Secondary when it fails.
type Fallback struct {
	Primary   ports.ProfileExtractor
	Secondary ports.ProfileExtractor
	Logger    *slog.Logger
}

// Extract implements ports.ProfileExtractor.
func (f *Fallback) Extract(ctx context.Context, text string, current domain.PatientProfile) (domain.PatientProfile, error) {
	p, err := f.Primary.Extract(ctx, text, current)
	if err == nil {
		return p, nil
	}

	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("primary profile extractor failed, falling back",
		slog.String("error", err.Error()),
	)
	return f.Secondary.Extract(ctx, text, current)
}
