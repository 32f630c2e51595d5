package embedder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/engram-memory/engram/memory"
)

// wrapProviderErr tags a provider failure with the public sentinel so
// callers can errors.Is against memory.ErrEmbeddingProvider regardless of
// which decorator or transport produced the failure.
func wrapProviderErr(err error) error {
	if err == nil || errors.Is(err, memory.ErrEmbeddingProvider) {
		return err
	}
	return fmt.Errorf("%w: %w", memory.ErrEmbeddingProvider, err)
}

// breakerProvider guards an upstream provider with a circuit breaker so a
// flapping embeddings API fails fast instead of stalling every Store and
// Recall call behind its timeout.
type breakerProvider struct {
	inner   Provider
	breaker *gobreaker.CircuitBreaker
}

// NewBreaker wraps p in a circuit breaker. After maxFailures consecutive
// failures the circuit opens and calls fail immediately with
// memory.ErrEmbeddingProvider until openFor elapses; two consecutive
// successes in half-open state close it again.
func NewBreaker(p Provider, maxFailures uint32, openFor time.Duration) Provider {
	if maxFailures == 0 {
		maxFailures = 3
	}
	if openFor <= 0 {
		openFor = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        "EmbeddingProvider",
		MaxRequests: 2,
		Timeout:     openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
	}

	return &breakerProvider{
		inner:   p,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (b *breakerProvider) Name() string    { return b.inner.Name() }
func (b *breakerProvider) Dimensions() int { return b.inner.Dimensions() }

func (b *breakerProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	result, err := b.breaker.Execute(func() (interface{}, error) {
		return b.inner.Embed(ctx, texts)
	})
	if err != nil {
		return nil, wrapProviderErr(err)
	}
	vecs, _ := result.([][]float32)
	return vecs, nil
}

// rateLimitedProvider throttles calls to an upstream provider so bursts of
// Store calls do not blow through the embeddings API quota.
type rateLimitedProvider struct {
	inner   Provider
	limiter *rate.Limiter
}

// NewRateLimited wraps p in a token-bucket rate limiter. Waiting respects
// the caller's context; a canceled wait surfaces as ErrEmbeddingProvider.
func NewRateLimited(p Provider, requestsPerSecond float64, burst int) Provider {
	if requestsPerSecond <= 0 {
		return p
	}
	if burst < 1 {
		burst = 1
	}
	return &rateLimitedProvider{
		inner:   p,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
	}
}

func (r *rateLimitedProvider) Name() string    { return r.inner.Name() }
func (r *rateLimitedProvider) Dimensions() int { return r.inner.Dimensions() }

func (r *rateLimitedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, wrapProviderErr(err)
	}
	return r.inner.Embed(ctx, texts)
}
