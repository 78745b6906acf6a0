package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"llm_fanout/internal/models"
)

// maxErrorBody bounds how much of a failed upstream body is echoed back.
const maxErrorBody = 512

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// upstreamError carries the message extracted from a failed call.
type upstreamError struct {
	status  int
	message string
}

func (e *upstreamError) Error() string {
	return e.message
}

// chatClient speaks the OpenAI-compatible chat completions dialect of the
// unified gateway.
type chatClient struct {
	baseURL string
	auth    SimpleAPIKeyAuth
	client  *http.Client
}

func newChatClient(baseURL string, client *http.Client) *chatClient {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &chatClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		auth:    NewBearerAuth(),
		client:  client,
	}
}

// complete sends one chat completion and returns the reply text and usage.
func (c *chatClient) complete(ctx context.Context, credential string, req chatRequest) (string, models.TokenUsage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", models.TokenUsage{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", models.TokenUsage{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.auth.Apply(httpReq, credential)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", models.TokenUsage{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", models.TokenUsage{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", models.TokenUsage{}, &upstreamError{
			status:  resp.StatusCode,
			message: extractErrorMessage(resp.StatusCode, respBody),
		}
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", models.TokenUsage{}, fmt.Errorf("malformed upstream response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		// some gateways report failures with a 200 and an error envelope
		if bytes.Contains(respBody, []byte(`"error"`)) {
			return "", models.TokenUsage{}, &upstreamError{status: resp.StatusCode, message: extractErrorMessage(resp.StatusCode, respBody)}
		}
		return "", models.TokenUsage{}, errors.New("malformed upstream response: no choices")
	}

	return parsed.Choices[0].Message.Content, extractUsageFromResponse(respBody), nil
}

// extractUsageFromResponse reads the usage block, accepting both the
// prompt/completion and input/output field names. Missing fields are 0 and
// a missing total is the sum of the parts.
func extractUsageFromResponse(body []byte) models.TokenUsage {
	var response struct {
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
			InputTokens      int `json:"input_tokens"`
			OutputTokens     int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return models.TokenUsage{}
	}

	usage := models.TokenUsage{
		Prompt:     response.Usage.PromptTokens,
		Completion: response.Usage.CompletionTokens,
		Total:      response.Usage.TotalTokens,
	}
	if usage.Prompt == 0 && response.Usage.InputTokens > 0 {
		usage.Prompt = response.Usage.InputTokens
	}
	if usage.Completion == 0 && response.Usage.OutputTokens > 0 {
		usage.Completion = response.Usage.OutputTokens
	}
	if usage.Total == 0 {
		usage.Total = usage.Prompt + usage.Completion
	}
	return usage
}

// extractErrorMessage prefers the detail reported by upstream over the bare
// status code. Recognised shapes: {"error":{"message":..}}, {"error":".."}
// and {"message":".."}.
func extractErrorMessage(status int, body []byte) string {
	var envelope struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		if len(envelope.Error) > 0 {
			var nested struct {
				Message string `json:"message"`
			}
			if json.Unmarshal(envelope.Error, &nested) == nil && nested.Message != "" {
				return nested.Message
			}
			var flat string
			if json.Unmarshal(envelope.Error, &flat) == nil && flat != "" {
				return flat
			}
		}
		if envelope.Message != "" {
			return envelope.Message
		}
	}

	text := strings.TrimSpace(string(body))
	if len(text) > maxErrorBody {
		cut := maxErrorBody
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	if text == "" {
		return fmt.Sprintf("upstream returned status %d", status)
	}
	return fmt.Sprintf("upstream returned status %d: %s", status, text)
}
