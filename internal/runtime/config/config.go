// Package config describes busflow's configuration tree and loads it from
// YAML files and BUSFLOW_ environment variables.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/drblury/busflow/transport"
)

const (
	// DefaultSerializer is used by transports that name none.
	DefaultSerializer = "json"
	// DefaultBusName is the bus created when no bus is configured.
	DefaultBusName = "default"

	DefaultPanelPort   = 8081
	DefaultMetricsPort = 9090

	DefaultMaxRetries = 3
	DefaultRetryDelay = time.Second
	DefaultMultiplier = 2.0
)

// Config is the root of the configuration tree. Bus and transport names are
// case-insensitive when loaded through viper and end up lower-cased.
type Config struct {
	Serializer SerializerConfig `mapstructure:"serializer" yaml:"serializer" json:"serializer"`
	// DefaultBus receives messages without a bus name stamp.
	DefaultBus string                     `mapstructure:"defaultBus" yaml:"defaultBus,omitempty" json:"defaultBus,omitempty"`
	Buses      map[string]BusConfig       `mapstructure:"buses" yaml:"buses" json:"buses"`
	Transports map[string]TransportConfig `mapstructure:"transports" yaml:"transports" json:"transports"`
	// FailureTransport receives failed messages of transports that name no
	// failure transport themselves.
	FailureTransport string        `mapstructure:"failureTransport" yaml:"failureTransport,omitempty" json:"failureTransport,omitempty"`
	Routing          []Route       `mapstructure:"routing" yaml:"routing" json:"routing"`
	Panel            PanelConfig   `mapstructure:"panel" yaml:"panel" json:"panel"`
	Metrics          MetricsConfig `mapstructure:"metrics" yaml:"metrics" json:"metrics"`
}

type SerializerConfig struct {
	Default string `mapstructure:"default" yaml:"default" json:"default"`
}

// BusConfig configures one message bus.
type BusConfig struct {
	AllowNoHandlers         bool     `mapstructure:"allowNoHandlers" yaml:"allowNoHandlers" json:"allowNoHandlers"`
	SingleHandlerPerMessage bool     `mapstructure:"singleHandlerPerMessage" yaml:"singleHandlerPerMessage" json:"singleHandlerPerMessage"`
	Middleware              []string `mapstructure:"middleware" yaml:"middleware" json:"middleware"`
	Panel                   bool     `mapstructure:"panel" yaml:"panel" json:"panel"`
}

// TransportConfig configures one named transport.
type TransportConfig struct {
	DSN              string        `mapstructure:"dsn" yaml:"dsn" json:"dsn"`
	Serializer       string        `mapstructure:"serializer" yaml:"serializer,omitempty" json:"serializer,omitempty"`
	FailureTransport string        `mapstructure:"failureTransport" yaml:"failureTransport,omitempty" json:"failureTransport,omitempty"`
	RetryStrategy    RetryStrategy `mapstructure:"retryStrategy" yaml:"retryStrategy" json:"retryStrategy"`
}

// RetryStrategy controls redelivery of failed messages. The delay before
// retry n is Delay * Multiplier^(n-1), capped at MaxDelay when set.
type RetryStrategy struct {
	// MaxRetries defaults to DefaultMaxRetries when unset. Zero disables
	// retries.
	MaxRetries *int          `mapstructure:"maxRetries" yaml:"maxRetries,omitempty" json:"maxRetries,omitempty"`
	Delay      time.Duration `mapstructure:"delay" yaml:"delay,omitempty" json:"delay,omitempty"`
	Multiplier float64       `mapstructure:"multiplier" yaml:"multiplier,omitempty" json:"multiplier,omitempty"`
	MaxDelay   time.Duration `mapstructure:"maxDelay" yaml:"maxDelay,omitempty" json:"maxDelay,omitempty"`
}

// Route sends a message type to transports instead of handling it
// synchronously.
type Route struct {
	Message    string   `mapstructure:"message" yaml:"message" json:"message"`
	Transports []string `mapstructure:"transports" yaml:"transports" json:"transports"`
}

type PanelConfig struct {
	Enabled            bool     `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Port               int      `mapstructure:"port" yaml:"port" json:"port"`
	CORSAllowedOrigins []string `mapstructure:"corsAllowedOrigins" yaml:"corsAllowedOrigins" json:"corsAllowedOrigins"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port" json:"port"`
}

// Retries returns the configured retry count.
func (r RetryStrategy) Retries() int {
	if r.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *r.MaxRetries
}

// WithDefaults fills unset delay and multiplier.
func (r RetryStrategy) WithDefaults() RetryStrategy {
	if r.MaxRetries == nil {
		n := DefaultMaxRetries
		r.MaxRetries = &n
	}
	if r.Delay <= 0 {
		r.Delay = DefaultRetryDelay
	}
	if r.Multiplier <= 0 {
		r.Multiplier = DefaultMultiplier
	}
	return r
}

// WithDefaults returns a copy of c with defaults applied. A config without
// buses gets a single bus named DefaultBusName.
func (c Config) WithDefaults() Config {
	if c.Serializer.Default == "" {
		c.Serializer.Default = DefaultSerializer
	}
	if len(c.Buses) == 0 {
		c.Buses = map[string]BusConfig{DefaultBusName: {}}
	}
	if c.Panel.Port == 0 {
		c.Panel.Port = DefaultPanelPort
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	transports := make(map[string]TransportConfig, len(c.Transports))
	for name, t := range c.Transports {
		if t.Serializer == "" {
			t.Serializer = c.Serializer.Default
		}
		if t.FailureTransport == "" && c.FailureTransport != name {
			t.FailureTransport = c.FailureTransport
		}
		t.RetryStrategy = t.RetryStrategy.WithDefaults()
		transports[name] = t
	}
	c.Transports = transports
	return c
}

// ResolvedDefaultBus returns the bus messages without a bus stamp go to:
// the configured default, then a bus named "default", then the first bus in
// alphabetical order.
func (c Config) ResolvedDefaultBus() string {
	if c.DefaultBus != "" {
		return c.DefaultBus
	}
	if _, ok := c.Buses[DefaultBusName]; ok || len(c.Buses) == 0 {
		return DefaultBusName
	}
	return c.BusNames()[0]
}

// BusNames returns the configured bus names in alphabetical order.
func (c Config) BusNames() []string {
	return sortedKeys(c.Buses)
}

// TransportNames returns the configured transport names in alphabetical
// order.
func (c Config) TransportNames() []string {
	return sortedKeys(c.Transports)
}

// Routes returns the transports per message type. Routes for the same
// message are merged in configuration order.
func (c Config) Routes() map[string][]string {
	routes := make(map[string][]string, len(c.Routing))
	for _, r := range c.Routing {
		routes[r.Message] = append(routes[r.Message], r.Transports...)
	}
	return routes
}

// Validate checks every section and the references between them.
func (c Config) Validate() error {
	var errs []error
	if err := validation.ValidateStruct(&c,
		validation.Field(&c.Serializer),
		validation.Field(&c.Buses),
		validation.Field(&c.Transports),
		validation.Field(&c.Routing),
		validation.Field(&c.Panel),
		validation.Field(&c.Metrics),
	); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, c.validateReferences()...)
	return errors.Join(errs...)
}

func (c Config) validateReferences() []error {
	var errs []error
	if c.DefaultBus != "" && len(c.Buses) > 0 {
		if _, ok := c.Buses[c.DefaultBus]; !ok {
			errs = append(errs, fmt.Errorf("defaultBus: unknown bus %q", c.DefaultBus))
		}
	}
	if c.FailureTransport != "" {
		if _, ok := c.Transports[c.FailureTransport]; !ok {
			errs = append(errs, fmt.Errorf("failureTransport: unknown transport %q", c.FailureTransport))
		}
	}
	for _, name := range c.TransportNames() {
		failure := c.Transports[name].FailureTransport
		if failure == "" {
			continue
		}
		if failure == name {
			errs = append(errs, fmt.Errorf("transports.%s.failureTransport: a transport cannot be its own failure transport", name))
			continue
		}
		if _, ok := c.Transports[failure]; !ok {
			errs = append(errs, fmt.Errorf("transports.%s.failureTransport: unknown transport %q", name, failure))
		}
	}
	for i, r := range c.Routing {
		for _, t := range r.Transports {
			if _, ok := c.Transports[t]; !ok {
				errs = append(errs, fmt.Errorf("routing[%d]: unknown transport %q for %s", i, t, r.Message))
			}
		}
	}
	return errs
}

func (s SerializerConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Default, validation.Match(serializerName).Error("must be a lower-case serializer name")),
	)
}

func (b BusConfig) Validate() error {
	return validation.ValidateStruct(&b,
		validation.Field(&b.Middleware, validation.Each(validation.Required)),
	)
}

func (t TransportConfig) Validate() error {
	return validation.ValidateStruct(&t,
		validation.Field(&t.DSN, validation.Required, validation.By(parsesAsDSN)),
		validation.Field(&t.RetryStrategy),
	)
}

func (r RetryStrategy) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.MaxRetries, validation.Min(0)),
		validation.Field(&r.Delay, validation.Min(time.Duration(0))),
		validation.Field(&r.Multiplier, validation.When(r.Multiplier != 0, validation.Min(1.0))),
		validation.Field(&r.MaxDelay, validation.Min(time.Duration(0))),
	)
}

func (r Route) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Message, validation.Required),
		validation.Field(&r.Transports, validation.Required, validation.Each(validation.Required)),
	)
}

func (p PanelConfig) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Port, validation.Min(0), validation.Max(65535)),
	)
}

func (m MetricsConfig) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Port, validation.Min(0), validation.Max(65535)),
	)
}

var serializerName = regexp.MustCompile(`^[a-z0-9_-]+$`)

func parsesAsDSN(value any) error {
	raw, _ := value.(string)
	if raw == "" {
		return nil
	}
	_, err := transport.ParseDSN(raw)
	return err
}

// String prints the configuration with DSN credentials masked.
func (c Config) String() string {
	redacted := c
	redacted.Transports = make(map[string]TransportConfig, len(c.Transports))
	for name, t := range c.Transports {
		t.DSN = transport.Redact(t.DSN)
		redacted.Transports[name] = t
	}
	type configAlias Config
	return fmt.Sprintf("%+v", configAlias(redacted))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
