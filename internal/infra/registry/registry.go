package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var ErrServiceNotFound = errors.New("service not found")

// Resolver maps a service name such as "v1.users" to the base URL of a node
// serving its actions.
type Resolver interface {
	Endpoint(ctx context.Context, service string) (string, error)
}

type staticResolver struct {
	endpoints       map[string]string
	defaultEndpoint string
}

// NewStatic serves a fixed table. defaultEndpoint, when set, answers for
// services missing from the table.
func NewStatic(endpoints map[string]string, defaultEndpoint string) Resolver {
	table := make(map[string]string, len(endpoints))
	for service, url := range endpoints {
		table[service] = strings.TrimSuffix(url, "/")
	}
	return &staticResolver{
		endpoints:       table,
		defaultEndpoint: strings.TrimSuffix(defaultEndpoint, "/"),
	}
}

func (s *staticResolver) Endpoint(_ context.Context, service string) (string, error) {
	if url, ok := s.endpoints[service]; ok {
		return url, nil
	}
	if s.defaultEndpoint != "" {
		return s.defaultEndpoint, nil
	}
	return "", fmt.Errorf("%w: %s", ErrServiceNotFound, service)
}

type chain []Resolver

// Chain asks each resolver in order and returns the first hit.
func Chain(resolvers ...Resolver) Resolver {
	return chain(resolvers)
}

func (c chain) Endpoint(ctx context.Context, service string) (string, error) {
	var lastErr error
	for _, r := range c {
		url, err := r.Endpoint(ctx, service)
		if err == nil {
			return url, nil
		}
		lastErr = err
		if !errors.Is(err, ErrServiceNotFound) {
			break
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: %s", ErrServiceNotFound, service)
	}
	return "", lastErr
}
