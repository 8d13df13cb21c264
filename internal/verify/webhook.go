package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Static errors for webhook delivery.
var (
	// ErrWebhookURLRequired is returned when no delivery URL is given.
	ErrWebhookURLRequired = errors.New("verify: webhook URL is required")
	// ErrServerError is returned when the webhook answers with a 5xx status code.
	ErrServerError = errors.New("verify: webhook server error")
	// ErrRateLimited is returned when the webhook answers with a 429 status code.
	ErrRateLimited = errors.New("verify: webhook rate limited")
	// ErrDeliveryFailed is returned for any other non-2xx status code.
	ErrDeliveryFailed = errors.New("verify: webhook delivery failed")
)

// WebhookSender posts codes to an HTTP endpoint that delivers the mail,
// e.g. a transactional e-mail relay.
type WebhookSender struct {
	url         string
	token       string
	httpClient  *http.Client
	maxRetries  int
	baseBackoff time.Duration
}

var _ Sender = (*WebhookSender)(nil)

// WebhookOption is a function that configures a WebhookSender.
type WebhookOption func(*WebhookSender)

// WithToken sets the bearer token sent with each delivery.
func WithToken(token string) WebhookOption {
	return func(s *WebhookSender) {
		s.token = token
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(s *WebhookSender) {
		s.httpClient = c
	}
}

// WithMaxRetries sets the maximum number of retries for transient failures.
func WithMaxRetries(n int) WebhookOption {
	return func(s *WebhookSender) {
		s.maxRetries = n
	}
}

// WithBaseBackoff sets the initial backoff duration for retries.
func WithBaseBackoff(d time.Duration) WebhookOption {
	return func(s *WebhookSender) {
		s.baseBackoff = d
	}
}

// NewWebhookSender creates a WebhookSender posting to url.
func NewWebhookSender(url string, opts ...WebhookOption) (*WebhookSender, error) {
	if url == "" {
		return nil, ErrWebhookURLRequired
	}
	s := &WebhookSender{
		url:         url,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		maxRetries:  3,
		baseBackoff: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type deliveryRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

// Send implements Sender.
func (s *WebhookSender) Send(ctx context.Context, email, code string) error {
	body, err := json.Marshal(deliveryRequest{Email: email, Code: code})
	if err != nil {
		return fmt.Errorf("verify: marshal delivery: %w", err)
	}

	var lastErr error
	backoff := s.baseBackoff

	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("verify: context cancelled: %w", ctx.Err())
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		err := s.post(ctx, body)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("verify: max retries exceeded: %w", lastErr)
}

func (s *WebhookSender) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("verify: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &retryableError{err: fmt.Errorf("verify: request failed: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	// The body is only read for error context.
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return &retryableError{err: fmt.Errorf("%w %d: %s", ErrServerError, resp.StatusCode, snippet)}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &retryableError{err: fmt.Errorf("%w: %s", ErrRateLimited, snippet)}
	default:
		return fmt.Errorf("%w with status %d: %s", ErrDeliveryFailed, resp.StatusCode, snippet)
	}
}

// retryableError wraps errors that should be retried.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	return e.err
}

func isRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}
