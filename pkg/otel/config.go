package otel

import (
	"go.opentelemetry.io/otel/attribute"
)

// Config describes how spans are exported.
// An empty EndpointURL or Enabled == false installs a noop provider.
type Config struct {
	ServiceName        string
	ServiceVersion     string
	EndpointURL        string
	Enabled            bool
	SampleRatio        float64
	Insecure           bool
	ResourceAttributes map[string]string
}

func DefaultConfig(serviceName string) Config {
	return Config{
		ServiceName:        serviceName,
		SampleRatio:        1.0,
		Insecure:           true,
		ResourceAttributes: make(map[string]string),
	}
}

func (c Config) toResourceAttributes() []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(c.ResourceAttributes)+2)
	attrs = append(attrs, attribute.String("service.name", c.ServiceName))
	if c.ServiceVersion != "" {
		attrs = append(attrs, attribute.String("service.version", c.ServiceVersion))
	}

	for k, v := range c.ResourceAttributes {
		attrs = append(attrs, attribute.String(k, v))
	}

	return attrs
}
