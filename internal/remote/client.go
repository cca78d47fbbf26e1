// Package remote is the authenticated gateway to the remote analytics APIs.
//
// Every call is bearer-authenticated and classified: 2xx bodies come back as a
// Response, everything else (non-2xx, transport faults, cancellation, missing
// credentials) comes back as an *Error with a Kind. Nothing escapes
// unclassified. The client holds no state between calls.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/ashita-ai/shiki/internal/ctxutil"
)

// DefaultMaxErrorBody is how many characters of a rejected body are kept.
const DefaultMaxErrorBody = 200

// maxResponseBytes caps how much of a response body is read into memory.
const maxResponseBytes = 64 << 20

var (
	tracer = otel.Tracer("shiki/remote")
	meter  = otel.GetMeterProvider().Meter("shiki/remote")
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the API root every relative path is joined to
	// (e.g. "https://api.powerbi.com/v1.0/myorg").
	BaseURL string

	// Token is the bearer credential. An empty token is allowed at
	// construction; calls then fail with KindAuthMissing.
	Token string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with Timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 60 seconds.
	Timeout time.Duration

	// RequestsPerSec paces outbound calls. Zero disables pacing.
	RequestsPerSec float64

	// MaxErrorBody bounds the response text kept in rejection errors.
	// Defaults to DefaultMaxErrorBody.
	MaxErrorBody int
}

// Client issues authenticated JSON calls against one API root.
// All methods are safe for concurrent use.
type Client struct {
	baseURL      string
	token        string
	client       *http.Client
	limiter      *rate.Limiter
	maxErrorBody int
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote: BaseURL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	maxErrorBody := cfg.MaxErrorBody
	if maxErrorBody <= 0 {
		maxErrorBody = DefaultMaxErrorBody
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), 1)
	}

	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		token:        cfg.Token,
		client:       httpClient,
		limiter:      limiter,
		maxErrorBody: maxErrorBody,
	}, nil
}

// BaseURL returns the API root this client targets.
func (c *Client) BaseURL() string { return c.baseURL }

// Request is one outbound call. Path is relative to the client's BaseURL;
// absolute http(s) URLs (e.g. poll handles) are used as-is.
type Request struct {
	Method string
	Path   string
	Body   any // POST only; nil sends no body.
}

// Response is a successful (2xx) reply.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Accepted reports whether the server deferred execution (HTTP 202).
func (r *Response) Accepted() bool { return r.StatusCode == http.StatusAccepted }

// Decode unmarshals the body into dest. An empty body leaves dest untouched.
func (r *Response) Decode(dest any) error {
	if dest == nil || len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, dest); err != nil {
		return &Error{Kind: KindTransport, Message: fmt.Sprintf("decode response: %v", err), Err: err}
	}
	return nil
}

// Get issues a GET and decodes the JSON body into dest.
func (c *Client) Get(ctx context.Context, path string, dest any) error {
	resp, err := c.Do(ctx, Request{Method: http.MethodGet, Path: path})
	if err != nil {
		return err
	}
	return resp.Decode(dest)
}

// Post issues a POST with body serialized as JSON and decodes the reply into dest.
func (c *Client) Post(ctx context.Context, path string, body, dest any) error {
	resp, err := c.Do(ctx, Request{Method: http.MethodPost, Path: path, Body: body})
	if err != nil {
		return err
	}
	return resp.Decode(dest)
}

// Do performs one call. Any 2xx reply, including 202 Accepted, is returned as
// a Response; the caller decides what deferred execution means for it.
func (c *Client) Do(ctx context.Context, r Request) (resp *Response, err error) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		return nil, Errorf(KindInvalidArguments, "unsupported method %q", r.Method)
	}
	if c.token == "" {
		return nil, Errorf(KindAuthMissing, "no access token configured; set POWERBI_TOKEN or POWERBI_TOKEN_FILE")
	}

	start := time.Now()
	ctx, span := tracer.Start(ctx, "remote "+r.Method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("remote.path", r.Path),
		),
	)
	defer func() {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		} else if sc := StatusCode(err); sc != 0 {
			status = sc
		}
		span.SetAttributes(attribute.Int("http.status_code", status))
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		recordCall(ctx, r.Method, status, time.Since(start), err)
	}()

	if c.limiter != nil {
		if werr := c.limiter.Wait(ctx); werr != nil {
			return nil, Cancelled(ctx, werr)
		}
	}

	var body io.Reader
	if r.Method == http.MethodPost && r.Body != nil {
		encoded, merr := json.Marshal(r.Body)
		if merr != nil {
			return nil, &Error{Kind: KindInvalidArguments, Message: fmt.Sprintf("marshal request body: %v", merr), Err: merr}
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, c.resolve(r.Path), body)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Message: fmt.Sprintf("create request: %v", err), Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	if id := ctxutil.RequestIDFromContext(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	httpResp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, Cancelled(ctx, err)
		}
		return nil, &Error{Kind: KindTransport, Message: fmt.Sprintf("request failed: %v", err), Err: err}
	}
	defer func() { _ = httpResp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, Cancelled(ctx, err)
		}
		return nil, &Error{Kind: KindTransport, Message: fmt.Sprintf("read response body: %v", err), Err: err}
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, &Error{
			Kind:       KindRemoteRejected,
			StatusCode: httpResp.StatusCode,
			Message:    c.errorText(httpResp.StatusCode, data),
		}
	}

	return &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: data}, nil
}

func (c *Client) resolve(path string) string {
	if strings.HasPrefix(path, "https://") || strings.HasPrefix(path, "http://") {
		return path
	}
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}

// errorText keeps at most maxErrorBody characters of a rejected body so
// oversized payloads never reach user-facing text.
func (c *Client) errorText(status int, body []byte) string {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return http.StatusText(status)
	}
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "�")
	}
	if utf8.RuneCountInString(text) <= c.maxErrorBody {
		return text
	}
	runes := []rune(text)
	return string(runes[:c.maxErrorBody])
}

func recordCall(ctx context.Context, method string, status int, elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
	}
	attrs := otelmetric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.status_code", strconv.Itoa(status)),
		attribute.String("remote.outcome", outcome),
	)
	if counter, cerr := meter.Int64Counter("remote.calls"); cerr == nil {
		counter.Add(ctx, 1, attrs)
	}
	if hist, herr := meter.Float64Histogram("remote.duration", otelmetric.WithUnit("ms")); herr == nil {
		hist.Record(ctx, float64(elapsed.Milliseconds()), attrs)
	}
}
