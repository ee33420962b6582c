// Package genai scores post text with an OpenAI chat model. It stands in for
// the offline classifier when an input row arrives without a score.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultSystemPrompt asks the model for a bare probability.
const DefaultSystemPrompt = `You are a text classifier. Given a social media post, estimate the probability that it expresses moral outrage: anger or indignation at a person, group or institution for violating a moral norm.
Reply with a single number between 0 and 1 and nothing else.`

var (
	ErrNoChoicesReturned = errors.New("no choices returned")
	ErrUnparsableScore   = errors.New("model reply is not a score")
)

// chatService is the part of the OpenAI client the classifier uses.
type chatService interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Opts holds classifier configuration.
type Opts struct {
	APIKey       string
	Model        string
	SystemPrompt string
}

// Option configures the classifier.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithSystemPrompt overrides the classification instructions.
func WithSystemPrompt(prompt string) Option {
	return func(o *Opts) { o.SystemPrompt = prompt }
}

// Classifier scores texts in [0,1].
type Classifier struct {
	chat         chatService
	model        string
	systemPrompt string
}

// NewClassifier creates a classifier. The key falls back to OPENAI_API_KEY.
func NewClassifier(opts ...Option) (*Classifier, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	return newClassifier(&cli.Chat.Completions, cfg), nil
}

func newClassifier(chat chatService, cfg Opts) *Classifier {
	if cfg.Model == "" {
		cfg.Model = string(openai.ChatModelGPT4oMini)
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	return &Classifier{chat: chat, model: cfg.Model, systemPrompt: cfg.SystemPrompt}
}

// Classify returns the model's probability for text.
func (c *Classifier) Classify(ctx context.Context, text string) (float64, error) {
	resp, err := c.chat.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(c.systemPrompt),
			openai.UserMessage(text),
		},
		Model:       openai.ChatModel(c.model),
		Temperature: openai.Float(0),
	})
	if err != nil {
		return 0, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return 0, ErrNoChoicesReturned
	}
	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	score, err := strconv.ParseFloat(reply, 64)
	if err != nil {
		slog.Warn("Classifier.Classify: unparsable reply", "reply", reply)
		return 0, fmt.Errorf("%w: %q", ErrUnparsableScore, reply)
	}
	return score, nil
}
