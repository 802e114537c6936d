// Package share provides a client for the Dexcom Share web services
package share

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/mrcode/glucose-scraper/internal/clock"
	"github.com/mrcode/glucose-scraper/internal/logging"
	"github.com/mrcode/glucose-scraper/internal/metrics"
	"github.com/mrcode/glucose-scraper/internal/models"
)

const (
	loginPath  = "/General/LoginPublisherAccountByName"
	latestPath = "/Publisher/ReadPublisherLatestGlucoseValues"

	// The look-back window and count of the latest-values request
	latestMinutes  = "1440"
	latestMaxCount = "1"

	// Share answers rejected logins for some accounts with a nil session id
	nilSessionID = "00000000-0000-0000-0000-000000000000"

	maxBodyBytes = 1 << 20
)

// Credentials identify a Share publisher account
type Credentials struct {
	Account       string
	Password      string
	ApplicationID string
}

// ResponseError is a non-2xx fetch response or a 2xx body that could not be parsed
type ResponseError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *ResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("share response %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("share response %d: %s", e.StatusCode, e.Body)
}

func (e *ResponseError) Unwrap() error {
	return e.Err
}

// Client handles communication with Dexcom Share
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	breaker    *breaker
	clock      clock.Clock
	log        zerolog.Logger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithClock sets the clock used to compute capture lag
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithUserAgent sets the User-Agent header
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithBreakerName names the circuit breaker, for metrics
func WithBreakerName(name string) Option {
	return func(c *Client) { c.breaker = newBreaker(name) }
}

// NewClient creates a new Share client
func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		clock: clock.System{},
		log:   logging.Component("share"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = newBreaker("dexcom-share")
	}
	return c
}

type loginRequest struct {
	Password      string `json:"password"`
	ApplicationID string `json:"applicationId"`
	AccountName   string `json:"accountName"`
}

// Login exchanges credentials for a session token.
// A rejected login returns *models.AuthenticationError; a transport
// problem returns *models.ConnectionFault.
func (c *Client) Login(ctx context.Context, creds Credentials) (string, error) {
	payload, err := json.Marshal(loginRequest{
		Password:      creds.Password,
		ApplicationID: creds.ApplicationID,
		AccountName:   creds.Account,
	})
	if err != nil {
		return "", fmt.Errorf("encoding login: %w", err)
	}

	req, err := c.buildRequest(ctx, c.baseURL+loginPath, payload)
	if err != nil {
		return "", err
	}

	status, body, err := c.do(req)
	if err != nil {
		metrics.LoginAttempts.WithLabelValues("connection_fault").Inc()
		return "", &models.ConnectionFault{Op: "login", Err: err}
	}

	token := strings.Trim(strings.TrimSpace(string(body)), `"`)
	if status < 200 || status >= 300 || token == "" || token == nilSessionID {
		metrics.LoginAttempts.WithLabelValues("rejected").Inc()
		return "", &models.AuthenticationError{StatusCode: status, Body: string(body)}
	}

	metrics.LoginAttempts.WithLabelValues("success").Inc()
	return token, nil
}

// FetchLatest asks Share for the most recent reading.
// ok is false when Share returned an empty list. Errors are either
// *models.ConnectionFault or *ResponseError.
func (c *Client) FetchLatest(ctx context.Context, token string) (models.Reading, bool, error) {
	params := url.Values{}
	params.Set("sessionID", token)
	params.Set("minutes", latestMinutes)
	params.Set("maxCount", latestMaxCount)

	req, err := c.buildRequest(ctx, c.baseURL+latestPath+"?"+params.Encode(), nil)
	if err != nil {
		return models.Reading{}, false, err
	}

	start := time.Now()
	status, body, err := c.do(req)
	if err != nil {
		metrics.RecordFetch("connection_fault", time.Since(start))
		return models.Reading{}, false, &models.ConnectionFault{Op: "fetch", Err: err}
	}

	// Anything below 400 counts when the body parses
	if status >= 400 {
		metrics.RecordFetch("failure", time.Since(start))
		return models.Reading{}, false, &ResponseError{StatusCode: status, Body: string(body)}
	}

	entries, err := parseLatest(body)
	if err != nil {
		metrics.RecordFetch("failure", time.Since(start))
		return models.Reading{}, false, &ResponseError{StatusCode: status, Body: string(body), Err: err}
	}
	metrics.RecordFetch("success", time.Since(start))

	if len(entries) == 0 {
		return models.Reading{}, false, nil
	}

	reading, err := entries[0].toReading(c.clock.Now())
	if err != nil {
		return models.Reading{}, false, &ResponseError{StatusCode: status, Body: string(body), Err: err}
	}
	return reading, true, nil
}

// BreakerState reports the transport circuit breaker state
func (c *Client) BreakerState() string {
	return c.breaker.state().String()
}

// buildRequest creates a POST request carrying the Share headers
func (c *Client) buildRequest(ctx context.Context, fullURL string, payload []byte) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	return req, nil
}

// do executes req through the circuit breaker and returns status and body.
// Only transport errors count against the breaker.
func (c *Client) do(req *http.Request) (int, []byte, error) {
	res, err := c.breaker.execute(func() (*response, error) {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		defer func() {
			_ = resp.Body.Close()
		}()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return nil, fmt.Errorf("reading response: %w", err)
		}
		return &response{status: resp.StatusCode, body: body}, nil
	})
	if err != nil {
		c.log.Debug().Err(err).Str("url", req.URL.Path).Msg("share request failed")
		return 0, nil, err
	}
	return res.status, res.body, nil
}
