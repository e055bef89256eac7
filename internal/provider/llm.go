package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/spatialai/braind/internal/config"
)

// llmAdapter executes prompts through a langchaingo model.
type llmAdapter struct {
	desc Descriptor
	llm  llms.Model
}

// New builds an Adapter from a model configuration. The backend client is
// constructed eagerly so misconfiguration surfaces at startup rather than
// on first task.
func New(cfg config.ModelConfig) (Adapter, error) {
	desc := Descriptor{
		Name:            cfg.Name,
		Kind:            cfg.Kind,
		Model:           cfg.Model,
		Capabilities:    cfg.Capabilities,
		CostPerToken:    cfg.CostPerToken,
		MaxTokens:       cfg.MaxTokens,
		RequestsPerMin:  cfg.RequestsPerMin,
		TokensPerMin:    cfg.TokensPerMin,
		RequiresNetwork: cfg.RequiresNetwork,
		Timeout:         cfg.Timeout.Duration(),
	}

	var (
		model llms.Model
		err   error
	)

	switch cfg.Kind {
	case "ollama":
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.Endpoint != "" {
			opts = append(opts, ollama.WithServerURL(cfg.Endpoint))
		}
		model, err = ollama.New(opts...)
	case "openai":
		opts := []openai.Option{
			openai.WithModel(cfg.Model),
			openai.WithToken(tokenOrPlaceholder(cfg.APIKey)),
		}
		if cfg.Endpoint != "" {
			opts = append(opts, openai.WithBaseURL(cfg.Endpoint))
		}
		model, err = openai.New(opts...)
	case "anthropic":
		model, err = anthropic.New(
			anthropic.WithModel(cfg.Model),
			anthropic.WithToken(tokenOrPlaceholder(cfg.APIKey)),
		)
	default:
		return nil, fmt.Errorf("unknown adapter kind %q for model %q", cfg.Kind, cfg.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s client for %q: %w", cfg.Kind, cfg.Name, err)
	}

	return &llmAdapter{
		desc: desc,
		llm:  model,
	}, nil
}

// NewFleet builds one adapter per configured model.
func NewFleet(models []config.ModelConfig) (map[string]Adapter, error) {
	fleet := make(map[string]Adapter, len(models))
	for _, m := range models {
		a, err := New(m)
		if err != nil {
			return nil, err
		}
		fleet[m.Name] = a
	}
	return fleet, nil
}

func (a *llmAdapter) Descriptor() Descriptor {
	return a.desc
}

func (a *llmAdapter) Execute(ctx context.Context, prompt string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, a.desc.Timeout)
	defer cancel()

	start := time.Now()

	content := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}
	var opts []llms.CallOption
	if a.desc.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(a.desc.MaxTokens))
	}

	resp, err := a.llm.GenerateContent(ctx, content, opts...)
	elapsed := time.Since(start)
	if err != nil {
		return nil, classify(a.desc.Name, err)
	}

	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0].Content == "" {
		return nil, &Error{
			Adapter: a.desc.Name,
			Kind:    FailureInvalidResponse,
			Err:     fmt.Errorf("empty completion"),
		}
	}

	choice := resp.Choices[0]
	promptTokens, completionTokens := tokenUsage(choice.GenerationInfo, prompt, choice.Content)
	total := promptTokens + completionTokens

	return &Result{
		Adapter:          a.desc.Name,
		Model:            a.desc.Model,
		Output:           choice.Content,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      total,
		Cost:             float64(total) * a.desc.CostPerToken,
		Elapsed:          elapsed,
	}, nil
}

// tokenOrPlaceholder returns the key, or a placeholder for backends that
// demand a token but sit behind a local proxy that ignores it.
func tokenOrPlaceholder(key config.Secret) string {
	if key.IsSet() {
		return key.Value()
	}
	return "placeholder"
}

// tokenUsage extracts token counts from the backend's generation info.
// Each backend reports usage under different keys; if none are present
// the counts are estimated at four characters per token.
func tokenUsage(info map[string]any, prompt, output string) (promptTokens, completionTokens int) {
	promptTokens = intFromInfo(info, "PromptTokens", "InputTokens", "prompt_tokens", "input_tokens")
	completionTokens = intFromInfo(info, "CompletionTokens", "OutputTokens", "completion_tokens", "output_tokens")

	if promptTokens == 0 {
		promptTokens = estimateTokens(prompt)
	}
	if completionTokens == 0 {
		completionTokens = estimateTokens(output)
	}
	return promptTokens, completionTokens
}

func intFromInfo(info map[string]any, keys ...string) int {
	for _, key := range keys {
		switch v := info[key].(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return 0
}

func estimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}

var _ Adapter = (*llmAdapter)(nil)
