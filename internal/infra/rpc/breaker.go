package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/astro-web3/gateway-authz/internal/domain/authz"
	"github.com/astro-web3/gateway-authz/pkg/logger"
	"github.com/sony/gobreaker"
)

// BreakerSettings configures one circuit breaker per remote service.
type BreakerSettings struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

type breakerCaller struct {
	next     Caller
	settings BreakerSettings

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// WithCircuitBreaker stops calling a service after FailureThreshold
// consecutive failures until Timeout elapses. Rejected calls fail with
// gobreaker.ErrOpenState.
func WithCircuitBreaker(next Caller, settings BreakerSettings) Caller {
	return &breakerCaller{
		next:     next,
		settings: settings,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (b *breakerCaller) Call(
	ctx context.Context,
	action string,
	params map[string]any,
	call *authz.CallContext,
) (map[string]any, error) {
	service, _, err := SplitAction(action)
	if err != nil {
		return nil, err
	}

	result, err := b.breaker(service).Execute(func() (interface{}, error) {
		return b.next.Call(ctx, action, params, call)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %s: %w", ErrCallFailed, action, err)
		}
		return nil, err
	}

	out, _ := result.(map[string]any)
	return out, nil
}

func (b *breakerCaller) breaker(service string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.breakers[service]; ok {
		return cb
	}

	threshold := b.settings.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        service,
		MaxRequests: b.settings.MaxRequests,
		Interval:    b.settings.Interval,
		Timeout:     b.settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// Business rejections still prove the service is reachable.
			return err == nil || !errors.Is(err, ErrCallFailed) || IsRejection(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.InfoContext(context.Background(), "circuit breaker state change",
				slog.String("service", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	b.breakers[service] = cb
	return cb
}
