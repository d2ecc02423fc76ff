package search

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/takashabe/smart-web-search-mcp/internal/metrics"
	"github.com/takashabe/smart-web-search-mcp/internal/retry"
)

const messagesPath = "/v1/messages"

var tracer = otel.Tracer("github.com/takashabe/smart-web-search-mcp/internal/search")

// ErrUnavailable is returned while the circuit breaker rejects calls.
var ErrUnavailable = errors.New("anthropic api temporarily unavailable")

// Searcher answers a natural-language query with live web data.
type Searcher interface {
	Search(ctx context.Context, query string) (*Answer, error)
}

// ClientConfig captures the knobs of the Messages API client.
type ClientConfig struct {
	APIKey     string
	BaseURL    string
	APIVersion string
	Model      string
	MaxTokens  int
	Timeout    time.Duration

	SystemPrompt string
	// Prompt renders the user message for a query.
	Prompt           func(query string) string
	MaxContinuations int

	MaxUses        int
	AllowedDomains []string
	BlockedDomains []string

	// RateLimit is queries per second; zero disables limiting.
	RateLimit float64
	RateBurst int

	Retry              *retry.Backoff
	BreakerThreshold   uint32
	BreakerOpenTimeout time.Duration
}

// Client calls the Anthropic Messages API with the server-side web search
// tool enabled.
type Client struct {
	cfg     ClientConfig
	http    *resty.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	retry   *retry.Backoff
}

var _ Searcher = (*Client)(nil)

// NewClient fills defaults into cfg and builds the client. APIKey is required.
func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("anthropic api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com"
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "2023-06-01"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.Prompt == nil {
		cfg.Prompt = func(query string) string { return query }
	}
	if cfg.Retry == nil {
		cfg.Retry = retry.NewBackoff(3, time.Second, 30*time.Second)
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerOpenTimeout <= 0 {
		cfg.BreakerOpenTimeout = time.Minute
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst < 1 {
		burst = 1
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetHeader("x-api-key", cfg.APIKey).
		SetHeader("anthropic-version", cfg.APIVersion).
		SetHeader("User-Agent", "smart-web-search-mcp/1.0").
		SetTimeout(cfg.Timeout).
		SetRetryCount(0)

	threshold := cfg.BreakerThreshold
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "anthropic",
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// only upstream trouble counts against the breaker
			return err == nil || !retry.IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
			metrics.SetCircuitBreakerState(to.String())
		},
	})

	return &Client{
		cfg:     cfg,
		http:    httpClient,
		limiter: rate.NewLimiter(limit, burst),
		breaker: breaker,
		retry:   cfg.Retry,
	}, nil
}

// Search runs one web-search-enabled conversation for query.
func (c *Client) Search(ctx context.Context, query string) (*Answer, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	var answer *Answer
	_, err := c.breaker.Execute(func() (interface{}, error) {
		a, err := c.search(ctx, query)
		answer = a
		return nil, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err != nil {
		return nil, err
	}
	return answer, nil
}

func (c *Client) search(ctx context.Context, query string) (*Answer, error) {
	ctx, span := tracer.Start(ctx, "anthropic.messages", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("anthropic.model", c.cfg.Model))

	logger := zerolog.Ctx(ctx)
	logger.Info().Str("query", query).Msg("searching")

	req := &messagesRequest{
		Model:     c.cfg.Model,
		MaxTokens: c.cfg.MaxTokens,
		System:    c.cfg.SystemPrompt,
		Messages:  []message{{Role: "user", Content: c.cfg.Prompt(query)}},
		Tools: []webSearchTool{{
			Type:           webSearchToolType,
			Name:           webSearchToolName,
			MaxUses:        c.cfg.MaxUses,
			AllowedDomains: c.cfg.AllowedDomains,
			BlockedDomains: c.cfg.BlockedDomains,
		}},
	}

	builder := newAnswerBuilder()
	for turn := 0; ; turn++ {
		var resp *messagesResponse
		err := c.retry.Do(ctx, "anthropic.messages", func(ctx context.Context) error {
			r, err := c.createMessage(ctx, req)
			resp = r
			return err
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		builder.add(ctx, resp)
		metrics.RecordUsage(resp.Usage.InputTokens, resp.Usage.OutputTokens, resp.Usage.ServerToolUse.WebSearchRequests)

		if resp.StopReason != stopReasonPauseTurn || turn >= c.cfg.MaxContinuations {
			break
		}
		logger.Debug().Int("turn", turn+1).Msg("continuing paused turn")
		req.Messages = append(req.Messages, message{Role: "assistant", Content: resp.Content})
	}

	answer := builder.build()
	span.SetAttributes(
		attribute.Int("anthropic.web_search_requests", answer.Usage.WebSearchRequests),
		attribute.Int("search.result_length", len(answer.Text)),
	)
	logger.Info().
		Int("result_length", len(answer.Text)).
		Int("web_searches", answer.Usage.WebSearchRequests).
		Str("stop_reason", answer.StopReason).
		Msg("search completed")
	return answer, nil
}

func (c *Client) createMessage(ctx context.Context, req *messagesRequest) (*messagesResponse, error) {
	var out messagesResponse
	var apiErr errorResponse

	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		SetError(&apiErr).
		Post(messagesPath)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		metrics.RecordUpstream("error", elapsed)
		return nil, fmt.Errorf("anthropic request: %w", err)
	}
	metrics.RecordUpstream(strconv.Itoa(resp.StatusCode()), elapsed)

	if resp.IsError() {
		return nil, newAPIError(resp.StatusCode(), resp.Header(), &apiErr, resp.String())
	}
	return &out, nil
}
