// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bureau-foundation/capture/lib/clock"
	"github.com/bureau-foundation/capture/lib/compress"
	"github.com/bureau-foundation/capture/lib/netutil"
	"github.com/bureau-foundation/capture/lib/version"
)

// Strategy selects how a request is dispatched.
type Strategy int

const (
	// Buffered waits for the response within the request timeout.
	Buffered Strategy = iota

	// Beacon sends with a short deadline and ignores the response
	// body.
	Beacon

	// Promised runs the request on its own goroutine.
	Promised
)

func (s Strategy) String() string {
	switch s {
	case Buffered:
		return "buffered"
	case Beacon:
		return "beacon"
	case Promised:
		return "promised"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy parses a strategy name as it appears in configuration.
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "", "buffered", "xhr":
		return Buffered, nil
	case "beacon", "sendBeacon":
		return Beacon, nil
	case "promised", "fetch":
		return Promised, nil
	default:
		return 0, fmt.Errorf("transport: unknown strategy %q", name)
	}
}

const (
	// DefaultTimeout applies to Buffered and Promised requests
	// without an explicit Timeout.
	DefaultTimeout = 60 * time.Second

	// DefaultBeaconTimeout bounds Beacon requests.
	DefaultBeaconTimeout = 5 * time.Second
)

// Request is one collector request.
type Request struct {
	URL      string
	Body     []byte
	Encoding compress.Encoding
	Strategy Strategy

	// Timeout overrides the strategy's default deadline.
	Timeout time.Duration

	// WithCredentials attaches the configured cookie jar.
	WithCredentials bool

	Headers map[string]string
}

// Response is the normalized outcome of a request.
type Response struct {
	// StatusCode is the HTTP status, or zero when no response was
	// received.
	StatusCode int

	// Text is the response body. Empty for Beacon sends.
	Text string

	// JSON is the decoded body when it parses as JSON.
	JSON any

	// Err describes a transport failure or a non-2xx status.
	Err error
}

// OK reports whether the collector accepted the request.
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// StatusError is the Err of a Response with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("transport: collector returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("transport: collector returned status %d: %s", e.StatusCode, e.Body)
}

// Sender delivers requests. Implementations must be safe for
// concurrent use and must never return a nil Response.
type Sender interface {
	Send(ctx context.Context, request *Request) *Response
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, request *Request) *Response

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, request *Request) *Response {
	return f(ctx, request)
}

// Config configures a Client.
type Config struct {
	// HTTPClient performs requests. Defaults to a client over
	// http.DefaultTransport. Its Jar is ignored; see Jar.
	HTTPClient *http.Client

	// Jar is attached to requests with WithCredentials set.
	Jar http.CookieJar

	// Timeout defaults to DefaultTimeout.
	Timeout time.Duration

	// BeaconTimeout defaults to DefaultBeaconTimeout.
	BeaconTimeout time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Client is the HTTP Sender.
type Client struct {
	plain         *http.Client
	credentialed  *http.Client
	timeout       time.Duration
	beaconTimeout time.Duration
	clock         clock.Clock
	logger        *slog.Logger
}

// New creates a Client.
func New(config Config) *Client {
	base := config.HTTPClient
	if base == nil {
		base = &http.Client{}
	}
	plain := *base
	plain.Jar = nil
	credentialed := *base
	credentialed.Jar = config.Jar

	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.BeaconTimeout <= 0 {
		config.BeaconTimeout = DefaultBeaconTimeout
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		plain:         &plain,
		credentialed:  &credentialed,
		timeout:       config.Timeout,
		beaconTimeout: config.BeaconTimeout,
		clock:         config.Clock,
		logger:        config.Logger,
	}
}

// Send dispatches request with its strategy.
func (c *Client) Send(ctx context.Context, request *Request) *Response {
	switch request.Strategy {
	case Beacon:
		return c.beacon(ctx, request)
	case Promised:
		select {
		case response := <-c.Go(ctx, request):
			return response
		case <-ctx.Done():
			return &Response{Err: fmt.Errorf("transport: waiting for response: %w", ctx.Err())}
		}
	default:
		return c.do(ctx, request, c.timeoutFor(request, c.timeout), true)
	}
}

// Go starts request on its own goroutine and returns a channel that
// receives exactly one Response.
func (c *Client) Go(ctx context.Context, request *Request) <-chan *Response {
	future := make(chan *Response, 1)
	go func() {
		future <- c.do(ctx, request, c.timeoutFor(request, c.timeout), true)
	}()
	return future
}

func (c *Client) beacon(ctx context.Context, request *Request) *Response {
	// A beacon outlives the caller's cancellation: it runs during
	// shutdown, when the caller's context is usually already done.
	response := c.do(context.WithoutCancel(ctx), request, c.timeoutFor(request, c.beaconTimeout), false)
	if response.Err != nil && netutil.IsExpectedCloseError(response.Err) {
		c.logger.Debug("beacon connection closed during shutdown", "url", request.URL, "error", response.Err)
	}
	return response
}

func (c *Client) timeoutFor(request *Request, fallback time.Duration) time.Duration {
	if request.Timeout > 0 {
		return request.Timeout
	}
	return fallback
}

func (c *Client) do(ctx context.Context, request *Request, timeout time.Duration, readBody bool) *Response {
	encoding := request.Encoding
	if encoding == "" {
		encoding = compress.None
	}
	target, err := c.requestURL(request.URL, encoding)
	if err != nil {
		return &Response{Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(request.Body))
	if err != nil {
		return &Response{Err: fmt.Errorf("transport: building request: %w", err)}
	}
	httpRequest.Header.Set("Content-Type", compress.ContentType(encoding))
	for name, value := range request.Headers {
		httpRequest.Header.Set(name, value)
	}

	client := c.plain
	if request.WithCredentials {
		client = c.credentialed
	}
	httpResponse, err := client.Do(httpRequest)
	if err != nil {
		return &Response{Err: fmt.Errorf("transport: %s %s: %w", request.Strategy, request.URL, err)}
	}
	defer httpResponse.Body.Close()

	response := &Response{StatusCode: httpResponse.StatusCode}
	if readBody {
		body, err := netutil.ReadResponse(httpResponse.Body)
		if err != nil {
			c.logger.Debug("reading collector response", "url", request.URL, "error", err)
		}
		response.Text = string(body)
		var decoded any
		if len(body) > 0 && netutil.DecodeResponse(bytes.NewReader(body), &decoded) == nil {
			response.JSON = decoded
		}
	}
	if !response.OK() {
		text := response.Text
		if !readBody {
			// Beacons only read the body of a rejection.
			text = netutil.ErrorBody(httpResponse.Body)
		}
		response.Err = &StatusError{StatusCode: response.StatusCode, Body: text}
	}
	return response
}

// requestURL adds the compression, ver, and cache-busting query
// parameters.
func (c *Client) requestURL(rawURL string, encoding compress.Encoding) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("transport: parsing url %q: %w", rawURL, err)
	}
	query := parsed.Query()
	if encoding != compress.None {
		query.Set("compression", string(encoding))
	}
	query.Set("ver", version.Short())
	query.Set("_", strconv.FormatInt(c.clock.Now().UnixMilli(), 10))
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
