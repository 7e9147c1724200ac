package reasoner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"

	"github.com/BaSui01/layerflow/types"
)

// LLMConfig configures the language-model reasoner.
type LLMConfig struct {
	Model       string
	Temperature float64
	MaxTokens   int
	// ContextTokens caps the serialized request context. Zero disables it.
	ContextTokens int
	// Prompts overrides the system prompt per kind.
	Prompts map[Kind]string
}

var defaultPrompts = map[Kind]string{
	KindPlan: `You plan work for a team of agents. Reply with one JSON object:
{"goal": string, "plan": object, "requires_breakdown": bool,
 "tasks": [{"id": string, "task": string, "capability": string, "priority": int, "depends_on": [string]}]}`,
	KindBreakdown: `You split a plan into small executable tasks. Reply with one JSON object:
{"tasks": [{"id": string, "task": string, "capability": string, "priority": int, "depends_on": [string]}]}`,
	KindExecute: `You carry out one task and report the outcome. Reply with one JSON object:
{"result": any, "summary": string, "needs_breakdown": bool}`,
	KindRespond: `You write the final answer for the user from the gathered results.
Mention any task that failed and what is missing because of it.`,
}

// LLM is a Reasoner backed by a langchaingo model.
type LLM struct {
	model  llms.Model
	cfg    LLMConfig
	budget *Budget
	logger *zap.Logger
}

// NewLLM wraps a langchaingo model.
func NewLLM(model llms.Model, cfg LLMConfig, logger *zap.Logger) *LLM {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &LLM{
		model:  model,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "llm_reasoner")),
	}
	if cfg.ContextTokens > 0 {
		l.budget = NewBudget(cfg.Model, cfg.ContextTokens)
	}
	return l
}

// WithBudget replaces the context budget.
func (l *LLM) WithBudget(b *Budget) *LLM {
	l.budget = b
	return l
}

func (l *LLM) systemPrompt(kind Kind) string {
	if p, ok := l.cfg.Prompts[kind]; ok {
		return p
	}
	return defaultPrompts[kind]
}

func (l *LLM) userPrompt(req Request) (string, error) {
	var b strings.Builder
	b.WriteString(req.Description)
	if len(req.Context) > 0 {
		raw, err := json.Marshal(req.Context)
		if err != nil {
			return "", fmt.Errorf("encode context: %w", err)
		}
		ctxText := string(raw)
		if l.budget != nil {
			ctxText = l.budget.Fit(ctxText)
		}
		b.WriteString("\n\nContext:\n")
		b.WriteString(ctxText)
	}
	return b.String(), nil
}

// Reason sends the request to the model. A JSON object in the answer is
// decoded into Result.Output.
func (l *LLM) Reason(ctx context.Context, req Request) (Result, error) {
	prompt, err := l.userPrompt(req)
	if err != nil {
		return Result{}, err
	}
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, l.systemPrompt(req.Kind)),
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}

	opts := []llms.CallOption{llms.WithTemperature(l.cfg.Temperature)}
	if l.cfg.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(l.cfg.MaxTokens))
	}
	if l.cfg.Model != "" {
		opts = append(opts, llms.WithModel(l.cfg.Model))
	}

	start := time.Now()
	resp, err := l.model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return Result{}, types.NewError(types.ErrReasoningFailed, "model call failed").
			WithCause(err).
			WithRetryable(true)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return Result{}, types.NewError(types.ErrReasoningFailed, "model returned no choices")
	}

	text := strings.TrimSpace(resp.Choices[0].Content)
	l.logger.Debug("model answered",
		zap.String("kind", string(req.Kind)),
		zap.String("task_id", req.TaskID),
		zap.Duration("latency", time.Since(start)),
		zap.Int("chars", len(text)),
	)
	return Result{Output: ExtractJSONObject(text), Text: text}, nil
}

// ExtractJSONObject decodes the first JSON object found in text, including
// one wrapped in a markdown code fence. It returns nil when none parses.
func ExtractJSONObject(text string) map[string]any {
	for start := strings.IndexByte(text, '{'); start >= 0; {
		dec := json.NewDecoder(strings.NewReader(text[start:]))
		var out map[string]any
		if err := dec.Decode(&out); err == nil {
			return out
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return nil
}
