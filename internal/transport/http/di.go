package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	authzapp "github.com/astro-web3/gateway-authz/internal/app/authz"
	"github.com/astro-web3/gateway-authz/internal/config"
	authzdomain "github.com/astro-web3/gateway-authz/internal/domain/authz"
	"github.com/astro-web3/gateway-authz/internal/infra/registry"
	"github.com/astro-web3/gateway-authz/internal/infra/rpc"
	grpctransport "github.com/astro-web3/gateway-authz/internal/transport/grpc"
	httpclient "github.com/astro-web3/gateway-authz/pkg/http"
	"github.com/astro-web3/gateway-authz/pkg/logger"
	"github.com/astro-web3/gateway-authz/pkg/metrics"
	"github.com/astro-web3/gateway-authz/pkg/otel"
	"github.com/astro-web3/gateway-authz/pkg/tracer"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	httpServer  *http.Server
	redisClient *redis.Client
}

const (
	idleTimeoutMultiplier = 2
	serviceName           = "gateway-authz"
)

func NewServer(cfg *config.Config) (*Server, error) {
	logger.InitLogger(logger.Options{
		Level:   cfg.Observability.LogLevel,
		Format:  cfg.Observability.Format,
		Source:  cfg.Observability.LogSource,
		Service: serviceName,
	})

	otelCfg := otel.DefaultConfig(serviceName)
	otelCfg.EndpointURL = cfg.Observability.TracingEndpointURL
	otelCfg.Enabled = cfg.Observability.TraceEnabled
	if err := tracer.InitTracer(serviceName, otelCfg); err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	httpclient.Configure(cfg.RPC.Timeout, httpclient.DefaultRetry)

	resolver, redisClient, err := newResolver(cfg)
	if err != nil {
		return nil, err
	}

	caller := newCaller(cfg, resolver)

	domainService := authzdomain.NewService(
		tokenTypes(cfg.Authorization.ResolveTokenTypes(), caller),
		cfg.Authorization.AccessTokenHeader,
	)

	var m *metrics.Metrics
	if cfg.Observability.MetricsEnabled {
		m = metrics.New("gateway")
	}
	appService := authzapp.NewService(domainService, m)

	handler := NewHandler(appService, caller, m)
	checkPath, checkHandler := grpctransport.NewRouter(grpctransport.NewHandler(appService))
	router := NewRouter(handler, cfg, Mount{Path: checkPath, Handler: checkHandler})

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.ReadTimeout * idleTimeoutMultiplier,
	}

	return &Server{
		httpServer:  httpServer,
		redisClient: redisClient,
	}, nil
}

// newResolver serves rpc.endpoints and, when redis.url is set, falls back to
// the Redis registry hash.
func newResolver(cfg *config.Config) (registry.Resolver, *redis.Client, error) {
	endpoints := make(map[string]string, len(cfg.RPC.Endpoints))
	for _, e := range cfg.RPC.Endpoints {
		endpoints[e.Service] = e.URL
	}

	if cfg.Redis.URL == "" {
		return registry.NewStatic(endpoints, cfg.RPC.DefaultEndpoint), nil, nil
	}

	redisClient, err := registry.NewRedisClient(cfg.Redis.URL, cfg.Redis.PoolSize)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create redis client: %w", err)
	}

	// The default endpoint answers only after Redis missed.
	resolvers := []registry.Resolver{
		registry.NewStatic(endpoints, ""),
		registry.NewRedis(redisClient, cfg.Redis.RegistryKey),
	}
	if cfg.RPC.DefaultEndpoint != "" {
		resolvers = append(resolvers, registry.NewStatic(nil, cfg.RPC.DefaultEndpoint))
	}

	return registry.Chain(resolvers...), redisClient, nil
}

func newCaller(cfg *config.Config, resolver registry.Resolver) rpc.Caller {
	var caller rpc.Caller
	if cfg.RPC.Transport == config.TransportHTTP {
		caller = rpc.NewHTTPCaller(resolver)
	} else {
		caller = rpc.NewConnectCaller(&http.Client{Timeout: cfg.RPC.Timeout}, resolver)
	}

	if cb := cfg.RPC.CircuitBreaker; cb.Enabled {
		caller = rpc.WithCircuitBreaker(caller, rpc.BreakerSettings{
			MaxRequests:      cb.MaxRequests,
			Interval:         cb.Interval,
			Timeout:          cb.Timeout,
			FailureThreshold: cb.FailureThreshold,
		})
	}

	return caller
}

func tokenTypes(types []config.TokenType, caller rpc.Caller) []authzdomain.TokenType {
	out := make([]authzdomain.TokenType, 0, len(types))
	for _, t := range types {
		class := authzdomain.ClassUser
		if t.Class == config.ClassService {
			class = authzdomain.ClassService
		}

		out = append(out, authzdomain.TokenType{
			Tag:      t.Type,
			Class:    class,
			Verifier: rpc.NewVerifier(caller, t.Service+"."+t.Action, class),
		})
	}
	return out
}

func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)

	if s.redisClient != nil {
		if closeErr := s.redisClient.Close(); closeErr != nil {
			logger.WarnContext(ctx, "failed to close redis client", slog.String("error", closeErr.Error()))
			err = errors.Join(err, closeErr)
		}
	}

	return err
}
