package generator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"

	"forgeline/internal/domain"
)

const (
	defaultMaxTokens      = 8192
	defaultInitialBackoff = time.Second
)

type AnthropicOptions struct {
	APIKey     string
	Model      string
	MaxTokens  int64
	MaxRetries int
	// RequestOptions are passed to the SDK client, e.g. option.WithBaseURL in tests.
	RequestOptions []option.RequestOption
}

// Anthropic calls the Messages API. Rate limits and 5xx responses are retried with
// exponential backoff; the SDK's own retry loop is disabled.
type Anthropic struct {
	client         anthropic.Client
	model          anthropic.Model
	maxTokens      int64
	maxRetries     int
	initialBackoff time.Duration
}

func NewAnthropic(opts AnthropicOptions) (*Anthropic, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("%w: anthropic api key is empty", domain.ErrConfiguration)
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, fmt.Errorf("%w: anthropic model is empty", domain.ErrConfiguration)
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	reqOpts := append([]option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(0),
	}, opts.RequestOptions...)
	return &Anthropic{
		client:         anthropic.NewClient(reqOpts...),
		model:          anthropic.Model(opts.Model),
		maxTokens:      maxTokens,
		maxRetries:     opts.MaxRetries,
		initialBackoff: defaultInitialBackoff,
	}, nil
}

func (a *Anthropic) Model() string { return string(a.model) }

func (a *Anthropic) Generate(ctx context.Context, req Request) (Response, error) {
	contract, err := Instructions(req.Schema)
	if err != nil {
		return Response{}, err
	}
	system := strings.TrimSpace(req.System + "\n\n" + contract)
	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Context)),
		},
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.initialBackoff
	var msg *anthropic.Message
	op := func() error {
		m, err := a.client.Messages.New(ctx, params)
		if err != nil {
			if isRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		msg = m
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(max(a.maxRetries, 0))), ctx)); err != nil {
		return Response{}, classify(err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return Response{}, fmt.Errorf("%w: reply has no text content", domain.ErrContractViolation)
	}
	return Response{
		Content:      text.String(),
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}, nil
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}

// classify maps API failures onto the domain error classes.
func classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return fmt.Errorf("%w: %v", domain.ErrAuthentication, err)
		case apiErr.StatusCode == 429:
			return fmt.Errorf("%w: %v", domain.ErrRateLimited, err)
		}
	}
	return fmt.Errorf("anthropic: %w", err)
}
