package diagnosis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const systemPrompt = "あなたは超一流の経営コンサルタントです。" +
	"経営者・事業責任者に対して、シンプルかつ信頼感のある表現で、" +
	"現実的・実践的な戦略・改善提案を行ってください。" +
	"情報は必ず全体像をふまえて統合・整理し、論拠と構造を明示してください。" +
	"専門用語は必要最小限にとどめ、無駄な説明・くどい表現・ふりがなは不要です。"

type llmFailureClass int

const (
	failureNone llmFailureClass = iota
	failureTimeout
	failureRateLimit
	failureServer
	failureClient
)

// LLMCaller is the external-model abstraction. GenerateText is for
// free-form narrative stages; GenerateJSON instructs the model to answer
// with strict JSON only.
type LLMCaller interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
	GenerateJSON(ctx context.Context, prompt string) (string, error)
}

type AnthropicMessager interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

type AnthropicCaller struct {
	messages AnthropicMessager
}

type AnthropicClientCreator func(apiKey string) AnthropicMessager

func defaultAnthropicCreator(apiKey string) AnthropicMessager {
	c := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &c.Messages
}

var newAnthropicClient AnthropicClientCreator = defaultAnthropicCreator

func NewAnthropicCallerFromEnv() (*AnthropicCaller, error) {
	apiKey := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY not configured")
	}
	return &AnthropicCaller{messages: newAnthropicClient(apiKey)}, nil
}

func (a *AnthropicCaller) GenerateText(ctx context.Context, prompt string) (string, error) {
	return a.generate(ctx, prompt, 0.7)
}

func (a *AnthropicCaller) GenerateJSON(ctx context.Context, prompt string) (string, error) {
	return a.generate(ctx, prompt, 0)
}

func (a *AnthropicCaller) generate(ctx context.Context, prompt string, temperature float64) (string, error) {
	resp, err := a.messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.ModelClaudeSonnet4_20250514,
		MaxTokens:   4096,
		System:      []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))},
		Temperature: anthropic.Float(temperature),
	})
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, b := range resp.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return strings.TrimSpace(sb.String()), nil
}

// RetryPolicy is a bounded retry with a fixed delay between attempts. The
// external-environment stage wraps each viewpoint call in one of these.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration

	sleep func(time.Duration)
}

// DefaultViewpointRetry matches the per-viewpoint budget: two retries with a
// two-second pause, then give up.
func DefaultViewpointRetry() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, Backoff: 2 * time.Second}
}

// Do invokes fn up to MaxRetries+1 times, sleeping Backoff between
// attempts. It returns the last error when every attempt fails.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	sleep := p.sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	var err error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			sleep(p.Backoff)
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}

// softViolation is a validation complaint that steers a corrective retry but
// never fails the stage: if the model still falls short on the final attempt,
// the response is accepted as-is.
type softViolation struct {
	msg string
}

func (e *softViolation) Error() string { return e.msg }

// StageExecutor runs one JSON-producing stage call with bounded attempts:
// transient transport failures back off and retry, malformed or
// schema-violating responses get corrective feedback appended to the prompt.
type StageExecutor struct {
	caller LLMCaller

	sleep func(time.Duration)
}

func NewStageExecutor(caller LLMCaller) *StageExecutor {
	return &StageExecutor{caller: caller}
}

func (e *StageExecutor) RunJSON(ctx context.Context, stageName, prompt string, out any, validate func() error) (StageAttemptMetrics, error) {
	metrics := StageAttemptMetrics{}
	sleep := e.sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	feedback := ""
	for attempt := 1; attempt <= 3; attempt++ {
		metrics.Attempts = attempt
		fullPrompt := prompt + "\n\n必ずスキーマに一致する有効なJSONのみを出力してください。"
		if feedback != "" {
			fullPrompt += "\n\n" + feedback
		}

		raw, err := e.caller.GenerateJSON(ctx, fullPrompt)
		if err != nil {
			class := classifyTransportError(err)
			if class == failureTimeout || class == failureRateLimit || class == failureServer {
				if attempt < 3 {
					sleep(backoffDelay(attempt))
					continue
				}
			}
			return metrics, fmt.Errorf("%s transport failure: %w", stageName, err)
		}

		raw = strings.TrimSpace(raw)
		if raw == "" {
			if attempt < 3 {
				metrics.ContentRetries++
				feedback = "前回の応答が空でした。有効なJSONを出力してください。"
				continue
			}
			return metrics, fmt.Errorf("%s failed: empty response", stageName)
		}

		clean := stripCodeFences(raw)
		if err := json.Unmarshal([]byte(clean), out); err != nil {
			if attempt < 3 {
				metrics.ContentRetries++
				feedback = "前回の応答は有効なJSONではありませんでした。JSONのみを出力してください。"
				continue
			}
			return metrics, fmt.Errorf("%s failed json parse: %w", stageName, err)
		}
		if err := validate(); err != nil {
			if attempt < 3 {
				metrics.ContentRetries++
				feedback = fmt.Sprintf("前回の応答は検証に失敗しました: %s。修正して出力してください。", err)
				continue
			}
			var soft *softViolation
			if errors.As(err, &soft) {
				return metrics, nil
			}
			return metrics, fmt.Errorf("%s failed validation: %w", stageName, err)
		}
		return metrics, nil
	}
	return metrics, fmt.Errorf("%s failed after retries", stageName)
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		parts := strings.SplitN(s, "\n", 2)
		if len(parts) == 2 {
			s = parts[1]
		}
		s = strings.TrimPrefix(s, "json")
		s = strings.TrimSpace(strings.TrimSuffix(s, "```"))
	}
	return s
}

func classifyTransportError(err error) llmFailureClass {
	msg := strings.ToLower(err.Error())
	if errors.Is(err, context.DeadlineExceeded) {
		return failureTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return failureTimeout
	}
	switch {
	case strings.Contains(msg, "429"):
		return failureRateLimit
	case strings.Contains(msg, " 5") || strings.Contains(msg, "status code: 5") || strings.Contains(msg, "server error"):
		return failureServer
	case strings.Contains(msg, " 4") || strings.Contains(msg, "status code: 4"):
		return failureClient
	default:
		return failureServer
	}
}

func backoffDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 1 * time.Second
	}
	return 2 * time.Second
}
