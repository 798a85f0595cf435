package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/apperrors"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/model"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/logger"
)

const captionPrompt = "Describe this image in one or two short sentences, in the language of the conversation, " +
	"so a sales assistant who cannot see it understands what the lead sent."

// Config configures the OpenAI-compatible client.
type Config struct {
	APIKey             string
	BaseURL            string // empty uses api.openai.com
	Model              string
	VisionModel        string
	TranscriptionModel string
	Temperature        float32
	Timeout            time.Duration
}

// OpenAIClient implements DecisionMaker, Transcriber and Captioner.
type OpenAIClient struct {
	client *openai.Client
	cfg    Config
	tools  []openai.Tool
}

// NewOpenAIClient creates a client advertising tools to the model.
func NewOpenAIClient(cfg Config, tools []ToolSpec) *OpenAIClient {
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = cfg.Model
	}
	if cfg.TranscriptionModel == "" {
		cfg.TranscriptionModel = openai.Whisper1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	oaTools := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		oaTools = append(oaTools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	return &OpenAIClient{
		client: openai.NewClientWithConfig(config),
		cfg:    cfg,
		tools:  oaTools,
	}
}

func toChatRole(role model.Role) string {
	switch role {
	case model.RoleAssistant:
		return openai.ChatMessageRoleAssistant
	case model.RoleSystem:
		return openai.ChatMessageRoleSystem
	default:
		return openai.ChatMessageRoleUser
	}
}

// Decide asks the model for the next move. Tools are only offered when the
// last history entry is not a system instruction. A reply with no text is a
// text decision without segments.
func (c *OpenAIClient) Decide(ctx context.Context, history []model.Message, systemPrompt string) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	messages := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	if systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})
	}
	for _, m := range history {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: toChatRole(m.Role), Content: m.Content})
	}

	req := openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: c.cfg.Temperature,
	}
	if len(c.tools) > 0 && !endsWithInstruction(history) {
		req.Tools = c.tools
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return Decision{}, classify("chat completion", err)
	}
	if len(resp.Choices) == 0 {
		return Decision{}, fmt.Errorf("%w: chat completion returned no choices", apperrors.ErrExternal)
	}

	choice := resp.Choices[0].Message
	if len(choice.ToolCalls) > 0 {
		call := choice.ToolCalls[0]
		args := json.RawMessage(call.Function.Arguments)
		if len(bytes.TrimSpace(args)) == 0 {
			args = json.RawMessage(`{}`)
		}
		if len(choice.ToolCalls) > 1 {
			logger.FromContext(ctx).Warn("Model requested several tools, using the first",
				zap.Int("count", len(choice.ToolCalls)),
				zap.String("tool", call.Function.Name),
			)
		}
		return Decision{
			Type:     DecisionToolCall,
			ToolCall: &ToolCall{Name: call.Function.Name, Arguments: args},
		}, nil
	}

	segments := SplitSegments(choice.Content)
	if len(segments) == 0 {
		logger.FromContext(ctx).Warn("Model returned an empty reply", zap.String("finish_reason", string(resp.Choices[0].FinishReason)))
	}
	return Decision{Type: DecisionText, Segments: segments}, nil
}

func endsWithInstruction(history []model.Message) bool {
	return len(history) > 0 && history[len(history)-1].Role == model.RoleSystem
}

// Transcribe sends a voice note to the transcription model.
func (c *OpenAIClient) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.cfg.TranscriptionModel,
		FilePath: "voice" + audioExtension(mimeType),
		Reader:   bytes.NewReader(audio),
	})
	if err != nil {
		return "", classify("transcription", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// Caption asks the vision model to describe an image.
func (c *OpenAIClient) Caption(ctx context.Context, image []byte, mimeType string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	dataURL := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(image)

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.cfg.VisionModel,
		Messages: []openai.ChatCompletionMessage{{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: captionPrompt},
				{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{
					URL:    dataURL,
					Detail: openai.ImageURLDetailLow,
				}},
			},
		}},
		MaxTokens: 200,
	})
	if err != nil {
		return "", classify("caption", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: caption returned no choices", apperrors.ErrExternal)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func audioExtension(mimeType string) string {
	base := strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0])
	switch base {
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/mp4", "audio/aac", "audio/x-m4a":
		return ".m4a"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	case "audio/webm":
		return ".webm"
	default:
		return ".ogg"
	}
}

// classify maps client errors onto apperrors so callers can tell transient
// failures from permanent ones.
func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %s: %w", apperrors.ErrTimeout, op, err)
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %s: %w", apperrors.ErrRateLimited, op, err)
		case apiErr.HTTPStatusCode == http.StatusUnauthorized || apiErr.HTTPStatusCode == http.StatusForbidden:
			return fmt.Errorf("%w: %s: %w", apperrors.ErrUnauthorized, op, err)
		case apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500:
			return fmt.Errorf("%w: %s: %w", apperrors.ErrBadRequest, op, err)
		}
	}
	return fmt.Errorf("%w: %s: %w", apperrors.ErrExternal, op, err)
}

var (
	_ DecisionMaker = (*OpenAIClient)(nil)
	_ Transcriber   = (*OpenAIClient)(nil)
	_ Captioner     = (*OpenAIClient)(nil)
)
