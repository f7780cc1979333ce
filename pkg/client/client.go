// Package client provides the HTTP executor that runs parsed requests with
// environment interpolation, retry and error classification.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/requester/pkg/request"
)

// DefaultUserAgent identifies requests that do not set their own header.
const DefaultUserAgent = "requester/1.0"

// Client executes requests over HTTP. It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// User-Agent header sent unless the request sets one
	UserAgent string

	// Timeout bounds a whole attempt including the body (0 = none)
	Timeout time.Duration

	// MaxRedirects stops following redirects after this many hops
	MaxRedirects int

	// Retry applies to idempotent methods only
	Retry RetryConfig
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(userAgent string) Config {
	return Config{
		UserAgent:    userAgent,
		MaxRedirects: 10,
		Retry:        DefaultRetryConfig(),
	}
}

// New creates a new HTTP executor.
func New(cfg Config) (*Client, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	if cfg.Retry.MaxAttempts < 1 {
		return nil, fmt.Errorf("retry max_attempts must be >= 1 (got %d)", cfg.Retry.MaxAttempts)
	}

	if cfg.MaxRedirects < 0 {
		return nil, fmt.Errorf("max_redirects must be >= 0 (got %d)", cfg.MaxRedirects)
	}

	c := &Client{
		config: cfg,
		logger: log.With().Str("component", "http-client").Logger(),
	}
	c.httpClient = &http.Client{
		Timeout:       cfg.Timeout,
		CheckRedirect: c.checkRedirect,
	}
	return c, nil
}

type redirectsKey struct{}

// checkRedirect records every hop in the chain carried by the request context.
func (c *Client) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= c.config.MaxRedirects {
		return fmt.Errorf("%w: stopped after %d", ErrTooManyRedirects, c.config.MaxRedirects)
	}
	if chain, ok := req.Context().Value(redirectsKey{}).(*[]string); ok {
		*chain = append(*chain, via[len(via)-1].URL.String())
	}
	return nil
}

// Execute implements request.Executor. Placeholders in the URL, headers and
// body are filled from env. Any HTTP answer, including 4xx and 5xx, is a
// Result; only transport failures are errors.
func (c *Client) Execute(ctx context.Context, req request.Request, env request.Environment) (*request.Result, error) {
	method := strings.ToUpper(req.Method)
	url := request.Interpolate(req.URL, env)
	body := request.Interpolate(req.Body, env)

	startTime := time.Now()
	defer func() {
		httpRequestDuration.WithLabelValues(method).Observe(time.Since(startTime).Seconds())
	}()

	retryCfg := c.config.Retry
	if !idempotent(method) {
		retryCfg.MaxAttempts = 1
	}

	c.logger.Debug().
		Str("method", method).
		Str("url", url).
		Msg("Executing request")

	var result *request.Result
	err := retryWithBackoff(ctx, retryCfg, func() error {
		res, err := c.attempt(ctx, method, url, body, req.Header, env)
		if err != nil {
			errClass := ErrorClassNetwork
			httpErrorsTotal.WithLabelValues(string(errClass)).Inc()
			httpRequestsTotal.WithLabelValues(method, "network_error").Inc()
			c.logger.Debug().Err(err).Str("url", url).Msg("HTTP request failed")
			return err
		}

		result = res
		httpRequestsTotal.WithLabelValues(method, strconv.Itoa(res.StatusCode)).Inc()

		errClass := classifyStatus(res.StatusCode)
		if errClass == "" {
			return nil
		}
		httpErrorsTotal.WithLabelValues(string(errClass)).Inc()
		if shouldRetry(errClass) {
			return &StatusError{
				StatusCode: res.StatusCode,
				ErrorClass: errClass,
				Message:    res.Status,
			}
		}
		return nil
	}, classifyError)

	if err != nil {
		var statusErr *StatusError
		if result != nil && errors.As(err, &statusErr) {
			// the last answer stands once retries are used up
			result.Elapsed = time.Since(startTime)
			return result, nil
		}
		return nil, err
	}

	result.Elapsed = time.Since(startTime)
	return result, nil
}

// attempt performs one round trip and reads the whole body.
func (c *Client) attempt(ctx context.Context, method, url, body string, header http.Header, env request.Environment) (*request.Result, error) {
	var chain []string
	ctx = context.WithValue(ctx, redirectsKey{}, &chain)

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	for name, values := range header {
		for _, v := range values {
			httpReq.Header.Add(name, request.Interpolate(v, env))
		}
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", c.config.UserAgent)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return &request.Result{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Method:     method,
		URL:        resp.Request.URL.String(),
		Redirects:  chain,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

// classifyError categorizes an attempt failure for retry handling.
func classifyError(err error) ErrorClass {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.ErrorClass
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrTooManyRedirects) || errors.Is(err, ErrInvalidRequest) {
		return ""
	}
	return ErrorClassNetwork
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	default:
		return false
	}
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	client.CheckRedirect = c.checkRedirect
	c.httpClient = client
}
