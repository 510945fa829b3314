// Package pdp is a client for the PDP HTTP service exposed by storage
// providers.
package pdp

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

	"go.uber.org/zap"
)

// ErrPieceNotFound is returned when a provider does not have a piece.
var ErrPieceNotFound = errors.New("piece not found")

// A StatusError is returned for unexpected HTTP status codes.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

type options struct {
	HTTPClient *http.Client
	Log        *zap.Logger

	CreationPollInterval time.Duration
	CreationTimeout      time.Duration
	AdditionPollInterval time.Duration
	AdditionTimeout      time.Duration
	PieceTimeout         time.Duration
	PiecePollMin         time.Duration
	PiecePollMax         time.Duration
}

// An Option configures a Client.
type Option func(*options)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.HTTPClient = c
	}
}

// WithLog sets the logger.
func WithLog(l *zap.Logger) Option {
	return func(o *options) {
		o.Log = l
	}
}

// WithCreationPolling sets the interval and bound of data set creation
// polling.
func WithCreationPolling(interval, timeout time.Duration) Option {
	return func(o *options) {
		o.CreationPollInterval = interval
		o.CreationTimeout = timeout
	}
}

// WithAdditionPolling sets the interval and bound of piece addition
// polling.
func WithAdditionPolling(interval, timeout time.Duration) Option {
	return func(o *options) {
		o.AdditionPollInterval = interval
		o.AdditionTimeout = timeout
	}
}

// WithPieceWait sets how long WaitForPiece waits for a piece to become
// findable and the maximum delay between attempts.
func WithPieceWait(timeout, maxInterval time.Duration) Option {
	return func(o *options) {
		o.PieceTimeout = timeout
		o.PiecePollMax = maxInterval
		if o.PiecePollMin > maxInterval {
			o.PiecePollMin = maxInterval
		}
	}
}

// A Client talks to the PDP service of one provider.
type Client struct {
	endpoint string
	c        *http.Client
	log      *zap.Logger
	opts     options
}

// Endpoint returns the service URL of the provider.
func (c *Client) Endpoint() string {
	return c.endpoint
}

func (c *Client) url(format string, args ...any) string {
	return c.endpoint + fmt.Sprintf(format, args...)
}

func (c *Client) do(ctx context.Context, method, url string, body io.Reader, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := c.c.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, url string, v any, idempotencyKey string) (*http.Response, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	header := http.Header{"Content-Type": []string{"application/json"}}
	if idempotencyKey != "" {
		header.Set("Idempotency-Key", idempotencyKey)
	}
	return c.do(ctx, method, url, bytes.NewReader(buf), header)
}

func readStatusError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}

// Ping reports whether the provider's endpoint responds. Any status below
// 500 counts as alive.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodHead, c.endpoint, nil, nil)
	if err != nil {
		return err
	}
	defer drain(resp)
	if resp.StatusCode >= 500 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// New returns a client for the PDP service at endpoint.
func New(endpoint string, opts ...Option) *Client {
	o := options{
		HTTPClient: http.DefaultClient,
		Log:        zap.NewNop(),

		CreationPollInterval: 4 * time.Second,
		CreationTimeout:      5 * time.Minute,
		AdditionPollInterval: time.Second,
		AdditionTimeout:      5 * time.Minute,
		PieceTimeout:         time.Minute,
		PiecePollMin:         250 * time.Millisecond,
		PiecePollMax:         2 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	endpoint = strings.TrimRight(endpoint, "/")
	return &Client{
		endpoint: endpoint,
		c:        o.HTTPClient,
		log:      o.Log.Named("pdp").With(zap.String("endpoint", endpoint)),
		opts:     o,
	}
}
