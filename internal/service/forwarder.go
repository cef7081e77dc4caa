// Package service performs decoded peer requests against the internet and
// stores their responses for the peer to read back.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"ble-http-gateway/internal/client"
	"ble-http-gateway/internal/config"
	"ble-http-gateway/internal/metrics"
	"ble-http-gateway/internal/model"
)

var (
	// ErrForwardFailure wraps every error that prevents a forward from producing a response.
	ErrForwardFailure = errors.New("forward failed")

	// ErrRateLimited is returned when forward.rate_limit refuses a forward.
	ErrRateLimited = errors.New("forward rate limit exceeded")
)

// NotifyPolicy decides which completed forwards replace the stored response.
type NotifyPolicy int

// Notify policies.
const (
	NotifyOnAnyStatus NotifyPolicy = iota
	NotifyOnlyOn200
)

// ParsePolicy maps forward.notify_policy to a NotifyPolicy.
func ParsePolicy(s string) (NotifyPolicy, error) {
	switch s {
	case config.NotifyAny:
		return NotifyOnAnyStatus, nil
	case config.NotifyOn200:
		return NotifyOnlyOn200, nil
	}
	return 0, fmt.Errorf("unknown notify policy %q", s)
}

func (p NotifyPolicy) allows(status int) bool {
	return p == NotifyOnAnyStatus || status == http.StatusOK
}

// hopByHopHeaders are never forwarded upstream.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Host",
	"Content-Length",
}

// Sink receives responses allowed by the notify policy.
type Sink interface {
	Update(rec *model.ResponseRecord)
}

// Forwarder issues normalized requests asynchronously. Overlapping
// forwards are not serialized; the last one to complete wins the Sink.
type Forwarder struct {
	client    client.Performer
	sink      Sink
	policy    NotifyPolicy
	limiter   *rate.Limiter
	userAgent string
	logger    *slog.Logger
	metrics   *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewForwarder creates a Forwarder that stores results in sink.
func NewForwarder(c client.Performer, sink Sink, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*Forwarder, error) {
	policy, err := ParsePolicy(cfg.Forward.NotifyPolicy)
	if err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if rl := cfg.Forward.RateLimit; rl.Enabled {
		limiter = rate.NewLimiter(rate.Limit(rl.RequestsPerSecond), rl.Burst)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Forwarder{
		client:    c,
		sink:      sink,
		policy:    policy,
		limiter:   limiter,
		userAgent: cfg.Forward.UserAgent,
		logger:    logger.With("component", "forwarder"),
		metrics:   m,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Forward starts nr and returns its ID without waiting. done, if not
// nil, is called exactly once with the outcome after the Sink has been
// updated (or left alone).
func (f *Forwarder) Forward(ctx context.Context, nr *model.NormalizedRequest, done func(model.Outcome)) string {
	id := uuid.NewString()

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		f.finish(model.Outcome{
			ID:      id,
			Request: nr,
			Err:     fmt.Errorf("%w: forwarder stopped", ErrForwardFailure),
		}, "failed", done)
		return id
	}
	f.wg.Add(1)
	f.mu.Unlock()

	f.metrics.ForwardsInFlight.Inc()
	go func() {
		defer f.wg.Done()
		defer f.metrics.ForwardsInFlight.Dec()
		f.run(ctx, id, nr, done)
	}()
	return id
}

func (f *Forwarder) run(ctx context.Context, id string, nr *model.NormalizedRequest, done func(model.Outcome)) {
	out := model.Outcome{ID: id, Request: nr}
	logger := f.logger.With("forward_id", id, "method", nr.Method, "url", nr.URL)

	if f.limiter != nil && !f.limiter.Allow() {
		out.Err = fmt.Errorf("%w: %w", ErrForwardFailure, ErrRateLimited)
		logger.Warn("forward refused", "error", out.Err)
		f.finish(out, "rate_limited", done)
		return
	}

	fctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(f.ctx, cancel)
	defer stop()

	start := time.Now()
	resp, err := f.client.Perform(fctx, nr.Method, nr.URL, f.outboundHeader(nr.Header), nr.Body)
	out.Duration = time.Since(start)
	if err != nil {
		out.Err = fmt.Errorf("%w: %w", ErrForwardFailure, err)
		logger.Warn("forward failed, keeping previous response", "error", err, "duration", out.Duration)
		f.finish(out, "failed", done)
		return
	}
	out.Response = resp

	if !f.policy.allows(resp.StatusCode) {
		logger.Info("response not stored by notify policy", "status", resp.StatusCode)
		f.finish(out, "suppressed", done)
		return
	}

	f.sink.Update(resp)
	logger.Info("response stored",
		"status", resp.StatusCode,
		"body_bytes", len(resp.Body),
		"duration", out.Duration,
	)
	f.finish(out, "stored", done)
}

func (f *Forwarder) finish(out model.Outcome, outcome string, done func(model.Outcome)) {
	f.metrics.ForwardsTotal.WithLabelValues(outcome).Inc()
	if done != nil {
		done(out)
	}
}

// outboundHeader drops hop-by-hop headers, including any named in
// Connection, and adds the configured User-Agent when the peer sent none.
func (f *Forwarder) outboundHeader(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	for _, v := range dst.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				dst.Del(name)
			}
		}
	}
	for _, h := range hopByHopHeaders {
		dst.Del(h)
	}
	if dst.Get("User-Agent") == "" && f.userAgent != "" {
		dst.Set("User-Agent", f.userAgent)
	}
	return dst
}

// Stop cancels in-flight forwards, refuses new ones and waits for every
// completion callback to return.
func (f *Forwarder) Stop() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.cancel()
	f.wg.Wait()
}

// Wait blocks until every started forward has completed.
func (f *Forwarder) Wait() {
	f.wg.Wait()
}
