package lro

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/shiki/internal/remote"
)

// Defaults for the wait budget.
const (
	DefaultMaxWait     = 10 * time.Minute
	DefaultMaxAttempts = 60
)

var (
	tracer = otel.Tracer("shiki/lro")
	meter  = otel.GetMeterProvider().Meter("shiki/lro")
)

// Doer issues one authenticated call. *remote.Client satisfies it.
type Doer interface {
	Do(ctx context.Context, r remote.Request) (*remote.Response, error)
}

// SleepFunc blocks for d or until ctx ends, returning ctx's error in the latter case.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Options configures a Poller. Zero values select defaults.
type Options struct {
	MaxWait     time.Duration
	MaxAttempts int
	Sleep       SleepFunc
	Now         func() time.Time
	Logger      *slog.Logger
}

// Poller waits for long-running operations. It holds no per-operation state
// and is safe for concurrent use.
type Poller struct {
	client      Doer
	maxWait     time.Duration
	maxAttempts int
	sleep       SleepFunc
	now         func() time.Time
	logger      *slog.Logger
}

// New creates a Poller that issues status and result calls through client.
func New(client Doer, opts Options) *Poller {
	p := &Poller{
		client:      client,
		maxWait:     opts.MaxWait,
		maxAttempts: opts.MaxAttempts,
		sleep:       opts.Sleep,
		now:         opts.Now,
		logger:      opts.Logger,
	}
	if p.maxWait <= 0 {
		p.maxWait = DefaultMaxWait
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = DefaultMaxAttempts
	}
	if p.sleep == nil {
		p.sleep = sleepContext
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Await polls h until the operation reaches a terminal state and returns the
// body of the follow-up result call. The interval is h.RetryAfter for every
// tick, except that no wait runs past MaxWait. A status call that cannot be
// completed ends the wait immediately; only a Running answer from the remote
// is retried.
func (p *Poller) Await(ctx context.Context, h Handle) (result json.RawMessage, err error) {
	if h.PollURL == "" {
		return nil, remote.Errorf(remote.KindOperationFailed, "operation handle has no poll URL")
	}
	interval := max(h.RetryAfter, 0)

	ctx, span := tracer.Start(ctx, "lro.await", trace.WithAttributes(
		attribute.String("lro.poll_url", h.PollURL),
		attribute.Int64("lro.retry_after_ms", interval.Milliseconds()),
	))
	start := p.now()
	ticks := 0
	defer func() {
		span.SetAttributes(attribute.Int("lro.ticks", ticks))
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		recordAwait(ctx, p.now().Sub(start), ticks, err)
	}()

	for {
		if ticks >= p.maxAttempts {
			return nil, remote.Errorf(remote.KindTimeout,
				"operation did not complete after %d status checks", ticks)
		}
		// The last wait is cut to what is left of the budget, so at least
		// one status check always happens.
		remaining := p.maxWait - p.now().Sub(start)
		if remaining <= 0 && ticks > 0 {
			return nil, remote.Errorf(remote.KindTimeout,
				"operation did not complete within %s", p.maxWait)
		}
		wait := min(interval, max(remaining, 0))

		if serr := p.sleep(ctx, wait); serr != nil {
			return nil, &remote.Error{
				Kind:    remote.KindCancelled,
				Message: fmt.Sprintf("operation wait cancelled: %v", serr),
				Err:     serr,
			}
		}
		ticks++

		status, serr := p.check(ctx, h.PollURL)
		if serr != nil {
			return nil, fmt.Errorf("failed to check status: %w", serr)
		}

		switch status.State {
		case StateSucceeded:
			p.logger.Debug("lro: operation succeeded", "ticks", ticks)
			return p.fetchResult(ctx, h.PollURL)
		case StateFailed:
			msg := status.ErrorMessage()
			if msg == "" {
				msg = "operation failed"
			}
			p.logger.Warn("lro: operation failed", "ticks", ticks, "error", msg)
			return nil, remote.Errorf(remote.KindOperationFailed, "%s", msg)
		default:
			attrs := []any{"ticks", ticks, "status", string(status.State)}
			if status.PercentComplete != nil {
				attrs = append(attrs, "percent_complete", *status.PercentComplete)
			}
			p.logger.Debug("lro: operation still running", attrs...)
		}
	}
}

func (p *Poller) check(ctx context.Context, pollURL string) (Status, error) {
	resp, err := p.client.Do(ctx, remote.Request{Method: http.MethodGet, Path: pollURL})
	if err != nil {
		return Status{}, err
	}
	var s Status
	if err := resp.Decode(&s); err != nil {
		return Status{}, err
	}
	return s, nil
}

func (p *Poller) fetchResult(ctx context.Context, pollURL string) (json.RawMessage, error) {
	resp, err := p.client.Do(ctx, remote.Request{
		Method: http.MethodGet,
		Path:   strings.TrimRight(pollURL, "/") + "/result",
	})
	if err != nil {
		if remote.IsCancelled(err) {
			return nil, fmt.Errorf("failed to retrieve result: %w", err)
		}
		return nil, &remote.Error{
			Kind:    remote.KindOperationFailed,
			Message: "failed to retrieve result: " + err.Error(),
			Err:     err,
		}
	}
	return json.RawMessage(resp.Body), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func recordAwait(ctx context.Context, waited time.Duration, ticks int, err error) {
	outcome := "succeeded"
	if err != nil {
		outcome = string(remote.KindOf(err))
	}
	attrs := otelmetric.WithAttributes(attribute.String("lro.outcome", outcome))
	if hist, herr := meter.Float64Histogram("lro.wait.duration", otelmetric.WithUnit("ms")); herr == nil {
		hist.Record(ctx, float64(waited.Milliseconds()), attrs)
	}
	if counter, cerr := meter.Int64Counter("lro.status_checks"); cerr == nil {
		counter.Add(ctx, int64(ticks), attrs)
	}
}
