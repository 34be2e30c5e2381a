// Package providers defines the common interfaces and types used by all LLM
// provider implementations (OpenAI and Anthropic).
//
// Each provider lives in its own sub-package and implements the Provider
// interface. Providers that support vector embeddings additionally implement
// EmbeddingProvider.
package providers

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type (
	// StreamChunk is a single token chunk delivered during a streaming response.
	StreamChunk struct {
		Content      string
		FinishReason string
	}

	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string
		Content string
	}

	// Usage — token usage stats.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// ProxyRequest — normalized client request.
	ProxyRequest struct {
		Model       string
		Messages    []Message
		Stream      bool
		Temperature float64
		MaxTokens   int
		WorkspaceID string
		APIKey      string
		APIKeyID    string
		RequestID   string
	}

	// ProxyResponse — normalized provider response.
	ProxyResponse struct {
		ID           string
		Model        string
		Content      string
		FinishReason string
		Usage        Usage
		Stream       <-chan StreamChunk // nil if it's not a stream.
	}

	// EmbeddingRequest — normalized embedding request.
	EmbeddingRequest struct {
		// Input is the list of texts to embed. Always at least one element.
		Input []string
		// Model is the provider-native model name (e.g. "text-embedding-3-small").
		Model       string
		WorkspaceID string
		APIKey      string
		APIKeyID    string
		RequestID   string
	}

	// EmbeddingData — a single embedding vector.
	EmbeddingData struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}

	// EmbeddingResponse — normalized embedding response.
	EmbeddingResponse struct {
		Model string
		Data  []EmbeddingData
		Usage Usage
	}
)

// Provider — LLM provider interface.
type Provider interface {
	Name() string
	Request(ctx context.Context, req *ProxyRequest) (*ProxyResponse, error)
	HealthCheck(ctx context.Context) error
}

// EmbeddingProvider is an optional interface implemented by providers that
// support the embeddings API. Check with a type assertion before calling.
type EmbeddingProvider interface {
	Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)
}

// EmbeddingModelAliases maps embedding model names to provider names.
// Used by the proxy to route POST /v1/embeddings requests.
var EmbeddingModelAliases = map[string]string{
	"text-embedding-3-small": "openai",
	"text-embedding-3-large": "openai",
	"text-embedding-ada-002": "openai",
}

// ModelAliases maps model names to provider names.
// Used by the proxy to route POST /v1/chat/completions requests.
var ModelAliases = map[string]string{

	// ─── OpenAI ───────────────────────────────────────────────────────────────
	"gpt-4":                  "openai",
	"gpt-4-0613":             "openai",
	"gpt-4o":                 "openai",
	"gpt-4o-2024-11-20":      "openai",
	"gpt-4o-2024-08-06":      "openai",
	"gpt-4o-2024-05-13":      "openai",
	"gpt-4o-mini":            "openai",
	"gpt-4o-mini-2024-07-18": "openai",
	"gpt-4-turbo":            "openai",
	"gpt-4-turbo-2024-04-09": "openai",
	"gpt-4-turbo-preview":    "openai",
	"gpt-3.5-turbo":          "openai",
	"gpt-3.5-turbo-0125":     "openai",
	"gpt-3.5-turbo-1106":     "openai",
	"o1":                     "openai",
	"o1-mini":                "openai",
	"o1-preview":             "openai",
	"o1-2024-12-17":          "openai",
	"o3":                     "openai",
	"o3-mini":                "openai",
	"o3-mini-2025-01-31":     "openai",
	"o4-mini":                "openai",
	"gpt-4.1":                "openai",
	"gpt-4.1-mini":           "openai",
	"gpt-4.1-nano":           "openai",

	// ─── Anthropic ────────────────────────────────────────────────────────────
	"claude-3-5-sonnet":          "anthropic",
	"claude-3-5-sonnet-20241022": "anthropic",
	"claude-3-5-haiku":           "anthropic",
	"claude-3-5-haiku-20241022":  "anthropic",
	"claude-3-opus":              "anthropic",
	"claude-3-opus-20240229":     "anthropic",
	"claude-3-haiku":             "anthropic",
	"claude-3-haiku-20240307":    "anthropic",
	"claude-3-sonnet-20240229":   "anthropic",
	"claude-3-7-sonnet-20250219": "anthropic",
	"claude-3-7-sonnet":          "anthropic",
	"claude-opus-4":              "anthropic",
	"claude-sonnet-4":            "anthropic",
	"claude-haiku-4":             "anthropic",
	"claude-opus-4-5":            "anthropic",
	"claude-sonnet-4-5":          "anthropic",
	"claude-haiku-4-5":           "anthropic",
	"claude-opus-4-6":            "anthropic",
	"claude-sonnet-4-6":          "anthropic",
	"claude-haiku-4-6":           "anthropic",
}

// DefaultFallbackOrder is the default provider failover sequence.
// When the primary provider fails, the gateway tries each provider in this
// order until one succeeds, the list is exhausted, or a failure is not
// retryable.
var DefaultFallbackOrder = []string{
	"openai",
	"anthropic",
}

// Default circuit breaker and failover constants.
const (
	CBErrorThreshold   = 5
	CBTimeWindow       = 60 * time.Second
	CBHalfOpenTimeout  = 30 * time.Second
	CBSuccessThreshold = 2
	MaxRetries         = 3
	ProviderTimeout    = 30 * time.Second

	// RetryInitialBackoff, RetryBackoffCap and RetryMaxAttempts govern the
	// bounded exponential backoff applied inside RequestWithRetry for a single provider
	// attempt (distinct from the handler-level failover across providers).
	RetryInitialBackoff = 100 * time.Millisecond
	RetryBackoffCap     = 10 * time.Second
	RetryMaxAttempts    = 3
)

// StatusCoder is implemented by provider errors that carry an HTTP status
// code from the upstream response.
type StatusCoder interface {
	HTTPStatus() int
}

// ErrorCategory classifies an AdapterError for routing and metrics purposes.
type ErrorCategory string

const (
	CategoryTimeout        ErrorCategory = "timeout"
	CategoryRateLimit       ErrorCategory = "rate_limit"
	CategoryAuthError       ErrorCategory = "auth_error"
	CategoryInvalidRequest  ErrorCategory = "invalid_request"
	CategoryUpstreamError   ErrorCategory = "upstream_error"
	CategoryNetwork         ErrorCategory = "network"
)

// AdapterError is the typed error RequestWithRetry returns on final failure,
// after its retries have been exhausted.
type AdapterError struct {
	Provider   string
	Category   ErrorCategory
	StatusCode int
	Err        error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Category, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

func (e *AdapterError) HTTPStatus() int { return e.StatusCode }

// ClassifyError maps a raw provider error to an ErrorCategory using the
// StatusCoder interface when available, falling back to context-deadline
// detection and a conservative default.
func ClassifyError(err error) ErrorCategory {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		switch status := sc.HTTPStatus(); {
		case status == 429:
			return CategoryRateLimit
		case status == 401 || status == 403:
			return CategoryAuthError
		case status == 400 || status == 404:
			return CategoryInvalidRequest
		case status >= 500:
			return CategoryUpstreamError
		}
	}
	return CategoryNetwork
}

// IsRetryable reports whether a single-provider send attempt should be
// retried with backoff: network timeouts, rate limits, and 5xx upstream
// errors are retryable; authentication and malformed-request errors are not.
func IsRetryable(category ErrorCategory) bool {
	switch category {
	case CategoryTimeout, CategoryRateLimit, CategoryUpstreamError, CategoryNetwork:
		return true
	default:
		return false
	}
}

// Supports reports whether the given provider is the routed target for
// model according to ModelAliases.
func Supports(providerName, model string) bool {
	return ModelAliases[model] == providerName
}
