// Package providers implements the model client for the three Claude
// backends (the Anthropic API, AWS Bedrock and Google Vertex AI) and the
// credential checks that gate each of them.
//
// All backends speak the beta Messages API through the official SDK, so a
// single Client serves every provider; only the request options differ.
//
// Example:
//
//	creds, err := providers.NewCredentialResolver(cfg).Resolve(ctx, models.ProviderBedrock)
//	if err != nil {
//	    return err
//	}
//	client, err := providers.NewClient(ctx, creds, providers.ClientConfig{})
//	resp, err := client.Send(ctx, &agent.ModelRequest{...})
package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/anthropics/anthropic-sdk-go/vertex"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/deskpilot/internal/agent"
	"github.com/haasonsaas/deskpilot/internal/backoff"
	"github.com/haasonsaas/deskpilot/internal/observability"
	"github.com/haasonsaas/deskpilot/pkg/models"
)

// maxEmptyStreamEvents bounds consecutive events that carry nothing the
// accumulator uses before the stream is treated as malformed.
const maxEmptyStreamEvents = 300

// ClientConfig tunes a Client. Zero values pick defaults.
type ClientConfig struct {
	// MaxAttempts bounds attempts to open a stream. Default 3.
	MaxAttempts int

	// RetryPolicy spaces stream attempts. Default backoff.ModelPolicy().
	RetryPolicy *backoff.Policy

	// RequestTimeout bounds one model call including the full stream.
	RequestTimeout time.Duration

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer

	// Options are appended to the SDK client options.
	Options []option.RequestOption
}

// Client is an agent.ModelClient backed by the Anthropic SDK. It is safe
// for concurrent use.
type Client struct {
	sdk      anthropic.Client
	provider models.Provider
	config   ClientConfig
}

var _ agent.ModelClient = (*Client)(nil)

// NewClient builds a client for the provider named by creds.
func NewClient(ctx context.Context, creds *Credentials, config ClientConfig) (*Client, error) {
	if creds == nil {
		return nil, errors.New("providers: credentials are required")
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.RetryPolicy == nil {
		policy := backoff.ModelPolicy()
		config.RetryPolicy = &policy
	}
	if config.Logger == nil {
		config.Logger = observability.NopLogger()
	}

	// Retries are handled here so they can be logged and classified.
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	switch creds.Provider {
	case models.ProviderAnthropic:
		if creds.APIKey == "" {
			return nil, fmt.Errorf("%w: anthropic API key", ErrMissingCredentials)
		}
		opts = append(opts, option.WithAPIKey(creds.APIKey))
		if strings.TrimSpace(creds.BaseURL) != "" {
			opts = append(opts, option.WithBaseURL(creds.BaseURL))
		}
	case models.ProviderBedrock:
		opts = append(opts, bedrock.WithConfig(creds.AWS))
	case models.ProviderVertex:
		if creds.Google == nil {
			return nil, fmt.Errorf("%w: Google credentials", ErrMissingCredentials)
		}
		opts = append(opts, vertex.WithCredentials(ctx, creds.Region, creds.ProjectID, creds.Google))
	default:
		return nil, fmt.Errorf("providers: unknown provider %q", creds.Provider)
	}
	opts = append(opts, config.Options...)

	return &Client{
		sdk:      anthropic.NewClient(opts...),
		provider: creds.Provider,
		config:   config,
	}, nil
}

// Provider returns the backend this client talks to.
func (c *Client) Provider() models.Provider {
	return c.provider
}

// Send streams one model turn and returns it fully assembled. Failures to
// open the stream are retried when classified retryable; a stream that
// fails midway is not.
func (c *Client) Send(ctx context.Context, req *agent.ModelRequest) (*agent.ModelResponse, error) {
	provider := string(c.provider)

	params, err := buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", provider, err)
	}

	if c.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()
	}

	ctx, span := c.config.Tracer.TraceLLMRequest(ctx, provider, req.Model)
	defer span.End()
	start := time.Now()

	stream, attempts, err := backoff.Retry(ctx, *c.config.RetryPolicy, c.config.MaxAttempts, IsRetryable,
		func(ctx context.Context, attempt int) (*ssestream.Stream[anthropic.BetaRawMessageStreamEventUnion], error) {
			stream := c.sdk.Beta.Messages.NewStreaming(ctx, params)
			if err := stream.Err(); err != nil {
				_ = stream.Close()
				wrapped := wrapError(err, provider, req.Model)
				c.config.Logger.Warn(ctx, "model stream attempt failed",
					"provider", provider,
					"model", req.Model,
					"attempt", attempt,
					"error", wrapped,
				)
				return nil, wrapped
			}
			return stream, nil
		})
	if err != nil {
		c.finish(span, req.Model, start, nil, err)
		return nil, err
	}
	defer stream.Close()

	resp, err := c.consume(stream, req.Model)
	if err != nil {
		c.finish(span, req.Model, start, nil, err)
		return nil, err
	}
	c.config.Tracer.SetAttributes(span, "llm.attempts", attempts, "llm.stop_reason", resp.StopReason)
	c.finish(span, req.Model, start, resp, nil)
	return resp, nil
}

func (c *Client) consume(stream *ssestream.Stream[anthropic.BetaRawMessageStreamEventUnion], model string) (*agent.ModelResponse, error) {
	provider := string(c.provider)
	acc := &agent.StreamAccumulator{}
	empty := 0

	for stream.Next() {
		ev, ok := translateEvent(stream.Current())
		if !ok {
			empty++
			if empty >= maxEmptyStreamEvents {
				return nil, wrapError(fmt.Errorf("stream appears malformed: %d consecutive empty events", empty), provider, model)
			}
			continue
		}
		empty = 0
		if err := acc.Add(ev); err != nil {
			return nil, wrapError(err, provider, model)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, wrapError(err, provider, model)
	}
	resp, err := acc.Response()
	if err != nil {
		return nil, wrapError(err, provider, model)
	}
	return resp, nil
}

func (c *Client) finish(span trace.Span, model string, start time.Time, resp *agent.ModelResponse, err error) {
	elapsed := time.Since(start).Seconds()
	provider := string(c.provider)
	if err != nil {
		c.config.Tracer.RecordError(span, err)
		c.config.Metrics.RecordLLMRequest(provider, model, "error", elapsed, 0, 0)
		return
	}
	c.config.Metrics.RecordLLMRequest(provider, model, "success", elapsed, resp.Usage.InputTokens, resp.Usage.OutputTokens)
}
