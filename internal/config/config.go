package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "GATEWAY_AUTHZ"

// Capability classes a token type may be verified as.
const (
	ClassUser    = "user"
	ClassService = "service"
)

// RPC transports.
const (
	TransportConnect = "connect"
	TransportHTTP    = "http"
)

type TokenType struct {
	Type    string `mapstructure:"type"`
	Class   string `mapstructure:"class"`
	Service string `mapstructure:"service"`
	Action  string `mapstructure:"action"`
}

type Endpoint struct {
	Service string `mapstructure:"service"`
	URL     string `mapstructure:"url"`
}

type Alias struct {
	Method string `mapstructure:"method"`
	Path   string `mapstructure:"path"`
	Action string `mapstructure:"action"`
}

type Route struct {
	Path          string  `mapstructure:"path"`
	Authorization bool    `mapstructure:"authorization"`
	Aliases       []Alias `mapstructure:"aliases"`
}

type CircuitBreaker struct {
	Enabled          bool          `mapstructure:"enabled"`
	MaxRequests      uint32        `mapstructure:"max_requests"`
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
}

type Authorization struct {
	// Service switches to the single-variant deployment: only the "identity"
	// type tag is recognized and resolved by this service.
	Service  string `mapstructure:"service"`
	Services struct {
		Users  string `mapstructure:"users"`
		Agents string `mapstructure:"agents"`
	} `mapstructure:"services"`
	TokenTypes        []TokenType `mapstructure:"token_types"`
	AccessTokenHeader string      `mapstructure:"access_token_header"`
}

type Config struct {
	Server struct {
		Addr         string        `mapstructure:"addr"`
		Mode         string        `mapstructure:"mode"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
	} `mapstructure:"server"`

	Redis struct {
		URL         string `mapstructure:"url"`
		PoolSize    int    `mapstructure:"pool_size"`
		RegistryKey string `mapstructure:"registry_key"`
	} `mapstructure:"redis"`

	Authorization Authorization `mapstructure:"authorization"`

	RPC struct {
		Transport       string         `mapstructure:"transport"`
		Timeout         time.Duration  `mapstructure:"timeout"`
		DefaultEndpoint string         `mapstructure:"default_endpoint"`
		Endpoints       []Endpoint     `mapstructure:"endpoints"`
		CircuitBreaker  CircuitBreaker `mapstructure:"circuit_breaker"`
	} `mapstructure:"rpc"`

	Gateway struct {
		Routes []Route `mapstructure:"routes"`
	} `mapstructure:"gateway"`

	Observability struct {
		MetricsEnabled     bool   `mapstructure:"metrics_enabled"`
		TraceEnabled       bool   `mapstructure:"trace_enabled"`
		TracingEndpointURL string `mapstructure:"tracing_endpoint_url"`
		LogLevel           string `mapstructure:"log_level"`
		Format             string `mapstructure:"log_format"`
		LogSource          bool   `mapstructure:"log_source"`
	} `mapstructure:"observability"`

	CORS struct {
		AllowedOrigins []string `mapstructure:"allowed_origins"`
	} `mapstructure:"cors"`
}

var (
	ErrUnknownClass     = errors.New("unknown token class")
	ErrInvalidTokenType = errors.New("invalid token type")
	ErrUnknownTransport = errors.New("unknown rpc transport")
	ErrInvalidRoute     = errors.New("invalid route")
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":3000")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)

	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.registry_key", "gateway:registry")

	v.SetDefault("authorization.services.users", "users")
	v.SetDefault("authorization.services.agents", "agents")
	v.SetDefault("authorization.access_token_header", "x-imicros-xtoken")

	v.SetDefault("rpc.transport", TransportConnect)
	v.SetDefault("rpc.timeout", 10*time.Second)
	v.SetDefault("rpc.circuit_breaker.max_requests", 1)
	v.SetDefault("rpc.circuit_breaker.interval", time.Minute)
	v.SetDefault("rpc.circuit_breaker.timeout", 30*time.Second)
	v.SetDefault("rpc.circuit_breaker.failure_threshold", 5)

	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.log_format", "json")
}

// Load reads config.yaml from the given directories (default ./config and .),
// overlays config.<APP_ENV>.yaml when present and applies GATEWAY_AUTHZ_* env.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.AutomaticEnv()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if env := os.Getenv("APP_ENV"); env != "" {
		v.SetConfigName(fmt.Sprintf("config.%s", env))
		if err := v.MergeInConfig(); err != nil {
			slog.Default().Info("No environment-specific config (optional)", slog.String("env", env))
		} else {
			slog.Default().Info("Environment-specific config loaded", slog.String("env", env))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		slog.Default().Error("Failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	return cfg
}

func (c *Config) Validate() error {
	for _, t := range c.Authorization.ResolveTokenTypes() {
		if t.Type == "" {
			return fmt.Errorf("%w: empty type tag", ErrInvalidTokenType)
		}
		if t.Class != ClassUser && t.Class != ClassService {
			return fmt.Errorf("%w: %q for type %q", ErrUnknownClass, t.Class, t.Type)
		}
		if t.Service == "" {
			return fmt.Errorf("%w: type %q has no service", ErrInvalidTokenType, t.Type)
		}
	}

	switch c.RPC.Transport {
	case TransportConnect, TransportHTTP:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTransport, c.RPC.Transport)
	}

	for _, r := range c.Gateway.Routes {
		if !strings.HasPrefix(r.Path, "/") {
			return fmt.Errorf("%w: path %q must start with /", ErrInvalidRoute, r.Path)
		}
		for _, a := range r.Aliases {
			if a.Action == "" || !strings.Contains(a.Action, ".") {
				return fmt.Errorf("%w: alias %s %s has no <service>.<action>", ErrInvalidRoute, a.Method, a.Path)
			}
		}
	}

	return nil
}

// ResolveTokenTypes returns the recognized token types. Explicit entries win;
// otherwise a configured single service selects the single-variant table and
// the users/agents services the dual-variant one.
func (a Authorization) ResolveTokenTypes() []TokenType {
	if len(a.TokenTypes) > 0 {
		types := make([]TokenType, 0, len(a.TokenTypes))
		for _, t := range a.TokenTypes {
			if t.Action == "" {
				t.Action = defaultAction(t.Class)
			}
			types = append(types, t)
		}
		return types
	}

	if a.Service != "" {
		return []TokenType{
			{Type: "identity", Class: ClassUser, Service: a.Service, Action: "resolveToken"},
		}
	}

	users := a.Services.Users
	if users == "" {
		users = "users"
	}
	agents := a.Services.Agents
	if agents == "" {
		agents = "agents"
	}

	return []TokenType{
		{Type: "user_token", Class: ClassUser, Service: users, Action: "resolveToken"},
		{Type: "service_token", Class: ClassService, Service: agents, Action: "verify"},
	}
}

func defaultAction(class string) string {
	if class == ClassService {
		return "verify"
	}
	return "resolveToken"
}
