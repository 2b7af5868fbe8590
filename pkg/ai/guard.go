package ai

import (
	"context"
	"errors"
	"time"

	"github.com/OFFIS-RIT/kgraph/pkg/logger"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// GuardedClient decorates a GraphAIClient with a rate limiter and a circuit
// breaker. Every error it returns has been passed through Classify.
type GuardedClient struct {
	next    GraphAIClient
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	observe func(call string, err error)
}

// GuardOptions configures NewGuardedClient.
//
// RequestsPerSecond <= 0 disables rate limiting. The breaker opens once at
// least MinRequests calls were made in the current Interval and the failure
// ratio reaches FailureRatio; it stays open for OpenTimeout.
type GuardOptions struct {
	Name              string
	RequestsPerSecond float64
	Burst             int
	MinRequests       uint32
	FailureRatio      float64
	Interval          time.Duration
	OpenTimeout       time.Duration
	// Observe is called once per call with the call name and its
	// classified error. Used to feed metrics.
	Observe func(call string, err error)
}

func DefaultGuardOptions() GuardOptions {
	return GuardOptions{
		Name:              "llm",
		RequestsPerSecond: 0,
		Burst:             1,
		MinRequests:       10,
		FailureRatio:      0.6,
		Interval:          time.Minute,
		OpenTimeout:       30 * time.Second,
	}
}

// NewGuardedClient wraps next.
func NewGuardedClient(next GraphAIClient, opts GuardOptions) *GuardedClient {
	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	minRequests := opts.MinRequests
	ratio := opts.FailureRatio
	st := gobreaker.Settings{
		Name:        opts.Name,
		MaxRequests: 1,
		Interval:    opts.Interval,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= ratio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("[AI] Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
		// A model that answers with garbage is reachable; only transport and
		// provider failures count against the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrMalformedOutput) || errors.Is(err, context.Canceled)
		},
	}

	return &GuardedClient{
		next:    next,
		limiter: limiter,
		breaker: gobreaker.NewCircuitBreaker(st),
		observe: opts.Observe,
	}
}

func (g *GuardedClient) run(ctx context.Context, call string, fn func() (any, error)) (any, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			err = Classify(err)
			g.report(call, err)
			return nil, err
		}
	}
	res, err := g.breaker.Execute(fn)
	err = Classify(err)
	g.report(call, err)
	return res, err
}

func (g *GuardedClient) report(call string, err error) {
	if g.observe != nil {
		g.observe(call, err)
	}
}

func (g *GuardedClient) GenerateCompletion(
	ctx context.Context,
	prompt string,
	opts ...GenerateOption,
) (string, error) {
	res, err := g.run(ctx, "completion", func() (any, error) {
		return g.next.GenerateCompletion(ctx, prompt, opts...)
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func (g *GuardedClient) GenerateCompletionWithFormat(
	ctx context.Context,
	name string,
	description string,
	prompt string,
	out any,
	opts ...GenerateOption,
) error {
	_, err := g.run(ctx, name, func() (any, error) {
		return nil, g.next.GenerateCompletionWithFormat(ctx, name, description, prompt, out, opts...)
	})
	return err
}

func (g *GuardedClient) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	res, err := g.run(ctx, "embedding", func() (any, error) {
		return g.next.GenerateEmbedding(ctx, input)
	})
	if err != nil {
		return nil, err
	}
	return res.([]float32), nil
}

func (g *GuardedClient) ResetMetrics() {
	g.next.ResetMetrics()
}

func (g *GuardedClient) GetMetrics() ModelMetrics {
	return g.next.GetMetrics()
}

// State reports the breaker state, e.g. for health checks.
func (g *GuardedClient) State() gobreaker.State {
	return g.breaker.State()
}
