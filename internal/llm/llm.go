package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Request is one question for the language model. ContextID groups a
// conversation's turns on the upstream service; MediaContext and ContextType
// are optional annotations forwarded as-is.
type Request struct {
	Question     string
	ContextID    string
	MediaContext string
	ContextType  string
}

// Responder produces a reply for a request. Implementations never return an
// error: on failure they return a configured fallback string, so the
// dispatcher is never blocked by LLM unavailability.
type Responder interface {
	Ask(ctx context.Context, req Request) string
}

// RetryPolicy bounds retries for transient upstream failures. Retryable
// decides from the HTTP status whether another attempt is worthwhile;
// transport-level errors (timeouts, connection resets) always retry.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	Retryable   func(status int) bool
}

// DefaultRetryPolicy retries 5xx responses up to three attempts, two seconds
// apart. Any other non-2xx status signals a client-side error that retrying
// will not fix.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Delay:       2 * time.Second,
		Retryable:   func(status int) bool { return status >= 500 && status < 600 },
	}
}

// Client queries the external language-model service over HTTP GET.
type Client struct {
	apiURL   string
	fallback string
	retry    RetryPolicy
	httpc    *http.Client
	logger   *zap.Logger
}

func NewClient(apiURL, fallback string, timeout time.Duration, retry RetryPolicy, logger *zap.Logger) *Client {
	return &Client{
		apiURL:   apiURL,
		fallback: fallback,
		retry:    retry,
		httpc:    &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// Ask sends the question and returns the reply text, or the fallback string
// once retries are exhausted or a non-retryable status is seen.
func (c *Client) Ask(ctx context.Context, req Request) string {
	if c.apiURL == "" {
		return c.fallback
	}

	question := req.Question
	if req.MediaContext != "" && !strings.Contains(question, "MEDIA CONTENT:") {
		question = fmt.Sprintf("%s\n\n[Media content: %s]", question, req.MediaContext)
	}

	params := url.Values{}
	params.Set("question", question)
	params.Set("thread_id", req.ContextID)
	params.Set("using_Twitter", "true")
	if req.MediaContext != "" {
		params.Set("media_context", req.MediaContext)
	}
	if req.ContextType != "" {
		params.Set("context_type", req.ContextType)
	}
	requestURL := c.apiURL + "?" + params.Encode()

	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		text, retryable, err := c.attempt(ctx, requestURL)
		if err == nil {
			return text
		}
		if !retryable {
			c.logger.Error("LLM request failed, not retrying", zap.Error(err))
			return c.fallback
		}

		c.logger.Warn("LLM request failed",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.retry.MaxAttempts))

		if attempt < c.retry.MaxAttempts {
			select {
			case <-time.After(c.retry.Delay):
			case <-ctx.Done():
				return c.fallback
			}
		}
	}
	return c.fallback
}

func (c *Client) attempt(ctx context.Context, requestURL string) (text string, retryable bool, err error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return "", false, fmt.Errorf("building LLM request: %w", err)
	}

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		// Timeouts and connection errors are transient.
		return "", true, fmt.Errorf("LLM request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", true, fmt.Errorf("reading LLM response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", c.retry.Retryable(resp.StatusCode),
			fmt.Errorf("LLM API returned status %d", resp.StatusCode)
	}

	return parseResponseBody(body), false, nil
}

// parseResponseBody supports both endpoint versions: a structured JSON
// payload with a "response" field, and a raw text body.
func parseResponseBody(body []byte) string {
	var structured struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(body, &structured); err == nil && structured.Response != "" {
		return strings.TrimSpace(structured.Response)
	}
	return strings.TrimSpace(string(body))
}
