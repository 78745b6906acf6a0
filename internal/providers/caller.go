package providers

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"llm_fanout/internal/models"
	"llm_fanout/internal/utils"
)

const defaultCallTimeout = 60 * time.Second

// PriorTurn is an earlier prompt and one provider's answer to it.
type PriorTurn struct {
	Prompt   string
	Response string
}

// HistoryLookup resolves the previous turn a follow-up prompt refers to.
type HistoryLookup interface {
	PriorTurn(ctx context.Context, ownerID, aggregateID, providerKey string) (PriorTurn, error)
}

// CallOptions are the per-call generation settings.
type CallOptions struct {
	Temperature     float64
	MaxTokens       int
	OwnerID         string
	PriorResponseID string
}

// CallerConfig configures the upstream gateway and mock mode.
type CallerConfig struct {
	BaseURL      string
	Timeout      time.Duration
	MockMinDelay time.Duration
	MockMaxDelay time.Duration
	HTTPClient   *http.Client
}

// Caller performs exactly one upstream call per provider per invocation and
// folds every outcome into a ProviderResult. Upstream failures are data, not
// errors: the only errors returned are for unknown or disabled providers.
type Caller struct {
	registry *Registry
	chat     *chatClient
	history  HistoryLookup
	cfg      CallerConfig
	logger   *utils.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewCaller creates a caller backed by registry. history may be nil.
func NewCaller(registry *Registry, history HistoryLookup, cfg CallerConfig) *Caller {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCallTimeout
	}
	if cfg.MockMaxDelay < cfg.MockMinDelay {
		cfg.MockMaxDelay = cfg.MockMinDelay
	}
	return &Caller{
		registry: registry,
		chat:     newChatClient(cfg.BaseURL, cfg.HTTPClient),
		history:  history,
		cfg:      cfg,
		logger:   utils.NewLogger("provider-caller"),
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// SetHistoryLookup wires the prior-turn lookup after construction, for
// setups where the lookup itself depends on components built later.
func (c *Caller) SetHistoryLookup(history HistoryLookup) {
	c.history = history
}

// Call sends prompt to the provider identified by key.
func (c *Caller) Call(ctx context.Context, key, prompt string, opts CallOptions) (models.ProviderResult, error) {
	provider, err := c.registry.Get(key)
	if err != nil {
		return models.ProviderResult{}, err
	}
	if !provider.Enabled {
		return models.ProviderResult{}, fmt.Errorf("%w: %s", ErrNotEnabled, key)
	}

	if provider.Credential == "" && c.registry.MockMode() {
		return c.mockCall(ctx, provider, prompt), nil
	}
	return c.upstreamCall(ctx, provider, prompt, opts), nil
}

func (c *Caller) upstreamCall(ctx context.Context, provider ProviderConfig, prompt string, opts CallOptions) models.ProviderResult {
	start := time.Now()

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req := chatRequest{
		Model:       provider.UpstreamModelID,
		Messages:    c.buildMessages(callCtx, provider.Key, prompt, opts),
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}

	text, usage, err := c.chat.complete(callCtx, provider.Credential, req)
	elapsed := time.Since(start)
	if err != nil {
		msg := c.describeFailure(callCtx, err)
		c.logger.Warn("Provider call failed", "provider", provider.Key, "elapsed_ms", elapsed.Milliseconds(), "error", msg)
		return models.NewErrorResult(provider.Key, provider.UpstreamModelID, msg, elapsed, c.now())
	}

	c.logger.Debug("Provider call succeeded", "provider", provider.Key, "elapsed_ms", elapsed.Milliseconds(), "tokens", usage.Total)
	return models.NewSuccessResult(provider.Key, provider.UpstreamModelID, text, usage, elapsed, provider.EstimateCost(usage), c.now())
}

// buildMessages prepends the referenced earlier turn, when there is one.
// Lookup failures only cost the extra context.
func (c *Caller) buildMessages(ctx context.Context, providerKey, prompt string, opts CallOptions) []chatMessage {
	messages := make([]chatMessage, 0, 3)
	if opts.PriorResponseID != "" && c.history != nil {
		turn, err := c.history.PriorTurn(ctx, opts.OwnerID, opts.PriorResponseID, providerKey)
		switch {
		case err != nil:
			c.logger.Warn("Prior turn lookup failed", "provider", providerKey, "prior_response_id", opts.PriorResponseID, "error", err)
		case turn.Prompt != "" && turn.Response != "":
			messages = append(messages,
				chatMessage{Role: "user", Content: turn.Prompt},
				chatMessage{Role: "assistant", Content: turn.Response},
			)
		}
	}
	return append(messages, chatMessage{Role: "user", Content: prompt})
}

func (c *Caller) describeFailure(ctx context.Context, err error) string {
	var upstream *upstreamError
	if errors.As(err, &upstream) {
		return upstream.message
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Sprintf("upstream request timed out after %s", c.cfg.Timeout)
	}
	return err.Error()
}

func (c *Caller) mockCall(ctx context.Context, provider ProviderConfig, prompt string) models.ProviderResult {
	start := time.Now()

	delay := c.cfg.MockMinDelay
	if spread := c.cfg.MockMaxDelay - c.cfg.MockMinDelay; spread > 0 {
		delay += time.Duration(rand.Int63n(int64(spread) + 1))
	}
	if err := c.sleep(ctx, delay); err != nil {
		return models.NewErrorResult(provider.Key, provider.UpstreamModelID, "mock call interrupted: "+err.Error(), time.Since(start), c.now())
	}

	promptTokens := len(strings.Fields(prompt)) + 1
	completionTokens := 20 + rand.Intn(180)
	usage := models.TokenUsage{
		Prompt:     promptTokens,
		Completion: completionTokens,
		Total:      promptTokens + completionTokens,
	}
	text := fmt.Sprintf("[mock %s] %s", provider.DisplayName, mockAnswer(prompt))

	return models.NewSuccessResult(provider.Key, provider.UpstreamModelID, text, usage, time.Since(start), provider.EstimateCost(usage), c.now())
}

func mockAnswer(prompt string) string {
	const maxEcho = 80
	r := []rune(strings.TrimSpace(prompt))
	if len(r) > maxEcho {
		return "Simulated response to: " + string(r[:maxEcho]) + "..."
	}
	return "Simulated response to: " + string(r)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
