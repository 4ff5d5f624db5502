// Package titler names new chat conversations from their first turn and
// owns the model access rules checked at admission.
package titler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/common/config"
	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/common/stringutil"
)

// ErrModelNotAllowed is returned when a requested model fails the
// provider access check.
var ErrModelNotAllowed = errors.New("model not allowed")

// DefaultModel is used when a start request names no model.
const DefaultModel = "claude-sonnet-4-5"

const maxTitleLen = 80

// allowedModels is the provider catalogue accepted at admission.
var allowedModels = map[string]bool{
	"claude-sonnet-4-5":        true,
	"claude-opus-4-5":          true,
	"claude-haiku-4-5":         true,
	"claude-3-5-haiku-latest":  true,
	"claude-3-5-sonnet-latest": true,
}

// subscriptionModels additionally require a provider credential to be
// configured.
var subscriptionModels = map[string]bool{
	"claude-opus-4-5": true,
}

// ValidateModel resolves and checks the requested model. An empty model
// selects the default.
func ValidateModel(model, apiKey string) (string, error) {
	if model == "" {
		model = DefaultModel
	}
	if !allowedModels[model] {
		return "", fmt.Errorf("%w: unknown model %q", ErrModelNotAllowed, model)
	}
	if subscriptionModels[model] && apiKey == "" {
		return "", fmt.Errorf("%w: model %q requires a configured provider credential", ErrModelNotAllowed, model)
	}
	return model, nil
}

// Titler generates conversation titles.
type Titler interface {
	// Title names a conversation from its first user turn and the
	// assistant's answer. An empty string means no title was produced.
	Title(ctx context.Context, userText, assistantText string) (string, error)
}

// Noop never produces a title; used when no provider credential is
// configured.
type Noop struct{}

func (Noop) Title(ctx context.Context, userText, assistantText string) (string, error) {
	return "", nil
}

// Anthropic titles conversations with a small completion.
type Anthropic struct {
	messages *sdk.MessageService
	model    string
	logger   *logger.Logger
}

var _ Titler = (*Anthropic)(nil)

// Provide builds the configured titler: anthropic when an API key is
// set, noop otherwise.
func Provide(cfg config.AnthropicConfig, log *logger.Logger) Titler {
	if cfg.APIKey == "" {
		return Noop{}
	}
	client := sdk.NewClient(option.WithAPIKey(cfg.APIKey))
	model := cfg.TitleModel
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	return &Anthropic{messages: &client.Messages, model: model, logger: log}
}

const titlePrompt = "Write a title of at most six words for a conversation that starts with the following exchange. Reply with the title only, no quotes.\n\nUser: %s\n\nAssistant: %s"

func (t *Anthropic) Title(ctx context.Context, userText, assistantText string) (string, error) {
	msg, err := t.messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(t.model),
		MaxTokens: 64,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(fmt.Sprintf(titlePrompt, stringutil.TruncateString(userText, 2000), stringutil.TruncateString(assistantText, 2000)))),
		},
	})
	if err != nil {
		return "", fmt.Errorf("title completion: %w", err)
	}

	var title string
	for _, block := range msg.Content {
		if block.Type == "text" {
			title = block.Text
			break
		}
	}
	title = strings.Trim(strings.TrimSpace(title), `"'`)
	if len(title) > maxTitleLen {
		title = title[:maxTitleLen]
	}
	if title == "" {
		t.logger.Debug("title completion returned no text", zap.String("model", t.model))
	}
	return title, nil
}
