package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	configpkg "github.com/drblury/busflow/internal/runtime/config"
	"github.com/drblury/busflow/internal/runtime/envelope"
	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	"github.com/drblury/busflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/busflow/internal/runtime/logging"
	"github.com/drblury/busflow/internal/runtime/routing"
	"github.com/drblury/busflow/internal/runtime/serializer"
	"github.com/drblury/busflow/transport"
)

// Options configures a Messenger. Only Config is required.
type Options struct {
	Config configpkg.Config
	Logger loggingpkg.ServiceLogger
	// Handlers are the handler services. Registering a service name twice
	// keeps the last registration.
	Handlers []*HandlerRegistration
	// Messages registers message types that no local handler names, so
	// they can still be decoded and routed by interface.
	Messages []any
	// Middleware is made available to buses next to DefaultMiddlewares.
	// A registration reusing a default name replaces it.
	Middleware  []MiddlewareRegistration
	Serializers []serializer.Named
	// Transports builds transports by DSN scheme. Nil uses
	// transport.DefaultRegistry.
	Transports *transport.Registry
	// Registerer receives the Prometheus collectors. Nil uses the default
	// registerer.
	Registerer prometheus.Registerer
	Clock      clock.Clock
	// Hooks run for every consumed message.
	Hooks WorkerHooks
}

type transportEntry struct {
	definition transport.Definition
	transport  transport.Transport
	caps       transport.Capabilities
	sender     *Sender
	serializer serializer.Serializer
	retry      configpkg.RetryStrategy
	failure    string
}

// Messenger owns the buses, their routing tables and the transports of one
// configuration.
type Messenger struct {
	cfg      configpkg.Config
	logger   loggingpkg.ServiceLogger
	wmLogger watermill.LoggerAdapter
	clock    clock.Clock

	registerer prometheus.Registerer
	types      *routing.TypeRegistry
	tables     map[string]*routing.Table
	buses      *BusLocator
	senders    *SendersLocator
	transports map[string]*transportEntry
	panel      *Panel
	metrics    *WorkerMetrics
	resources  *resourceTracker
	hooks      WorkerHooks
	servers    *httpServers

	closed atomic.Bool
}

// New validates the configuration, resolves the routing table of every bus
// and builds the transports. Any invalid handler aborts construction.
func New(ctx context.Context, opts Options) (*Messenger, error) {
	cfg := opts.Config.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("busflow: invalid configuration: %w", err)
	}

	log := opts.Logger
	if log == nil {
		log = loggingpkg.Nop()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	registerer := opts.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Messenger{
		cfg:        cfg,
		logger:     log,
		wmLogger:   loggingpkg.NewWatermillAdapter(log),
		clock:      clk,
		registerer: registerer,
		types:      routing.NewTypeRegistry(),
		transports: make(map[string]*transportEntry),
		resources:  newResourceTracker(clk),
		servers:    newHTTPServers(log),
	}

	m.types.Register(opts.Messages...)
	services := newServiceLocator()
	candidates, err := m.candidates(opts.Handlers, services)
	if err != nil {
		return nil, err
	}

	specs := busSpecs(cfg)
	m.tables, err = routing.ResolveAll(candidates, specs)
	if err != nil {
		return nil, err
	}

	serializers := serializer.NewRegistry(m.types)
	for _, named := range opts.Serializers {
		serializers.Register(named.Name, named.Serializer)
	}

	registry := opts.Transports
	if registry == nil {
		registry = transport.DefaultRegistry
	}
	if err := m.buildTransports(ctx, registry, serializers); err != nil {
		_ = m.closeTransports()
		return nil, err
	}
	senders := make(map[string]*Sender, len(m.transports))
	for name, entry := range m.transports {
		senders[name] = entry.sender
	}
	m.senders = NewSendersLocator(cfg.Routes(), senders)

	if err := m.buildBuses(specs, services, opts.Middleware); err != nil {
		_ = m.closeTransports()
		return nil, err
	}

	m.metrics = NewWorkerMetrics(registerer, clk)
	m.hooks = MetricsHooks(m.metrics).Merge(LoggingHooks(log)).Merge(opts.Hooks)
	if cfg.Metrics.Enabled {
		if err := m.metrics.Register(); err != nil {
			_ = m.closeTransports()
			return nil, err
		}
		m.servers.mux(cfg.Metrics.Port).Handle("/metrics", metricsHandler(registerer))
	}
	if cfg.Panel.Enabled {
		api := &panelAPI{panel: m.panel, allowedOrigins: cfg.Panel.CORSAllowedOrigins, logger: log}
		mux := m.servers.mux(cfg.Panel.Port)
		api.register(mux)
		mux.HandleFunc("/api/workers", m.handleGetWorkers)
	}

	log.Info("Messenger created", loggingpkg.LogFields{
		"buses":       m.buses.Names(),
		"default_bus": cfg.ResolvedDefaultBus(),
		"transports":  cfg.TransportNames(),
		"handlers":    len(candidates),
	})
	return m, nil
}

func (m *Messenger) candidates(registrations []*HandlerRegistration, services *serviceLocator) ([]routing.Candidate, error) {
	var (
		out   []routing.Candidate
		index = make(map[string]int)
	)
	for _, reg := range registrations {
		if reg == nil {
			return nil, errspkg.ErrHandlerRequired
		}
		c, err := reg.Candidate()
		if err != nil {
			return nil, fmt.Errorf("busflow: handler %q: %w", reg.Service(), err)
		}
		m.types.Register(reg.messageTypes(c)...)
		services.add(c.Service, reg.factory)

		if i, ok := index[c.Service]; ok {
			out[i] = c
			continue
		}
		index[c.Service] = len(out)
		out = append(out, c)
	}
	return out, nil
}

func busSpecs(cfg configpkg.Config) []routing.BusSpec {
	names := cfg.BusNames()
	specs := make([]routing.BusSpec, 0, len(names))
	for _, name := range names {
		bus := cfg.Buses[name]
		specs = append(specs, routing.BusSpec{
			Name:                    name,
			SingleHandlerPerMessage: bus.SingleHandlerPerMessage,
			AllowNoHandlers:         bus.AllowNoHandlers,
			Middleware:              bus.Middleware,
			Panel:                   bus.Panel,
		})
	}
	return specs
}

func (m *Messenger) buildTransports(ctx context.Context, registry *transport.Registry, serializers *serializer.Registry) error {
	for _, name := range m.cfg.TransportNames() {
		tc := m.cfg.Transports[name]
		def, err := transport.NewDefinition(name, tc.DSN)
		if err != nil {
			return err
		}
		s, err := serializers.Get(tc.Serializer)
		if err != nil {
			return fmt.Errorf("busflow: transport %q: %w", name, err)
		}
		built, err := registry.Build(ctx, def, m.wmLogger)
		if err != nil {
			return err
		}
		caps := registry.GetCapabilities(def.DSN.Scheme)
		if built.Publisher != nil && caps.RequiresDelayEmulation() {
			built.Publisher = transport.NewDelayingPublisher(built.Publisher, m.clock)
		}
		m.transports[name] = &transportEntry{
			definition: def,
			transport:  built,
			caps:       caps,
			sender:     NewSender(name, def.Topic(), built.Publisher, s),
			serializer: s,
			retry:      tc.RetryStrategy,
			failure:    tc.FailureTransport,
		}
		m.logger.Debug("Transport built", loggingpkg.LogFields{
			"transport": name,
			"dsn":       transport.Redact(tc.DSN),
			"topic":     def.Topic(),
		})
	}
	return nil
}

func (m *Messenger) buildBuses(specs []routing.BusSpec, services *serviceLocator, extra []MiddlewareRegistration) error {
	set, err := newMiddlewareSet(append(DefaultMiddlewares(), extra...)...)
	if err != nil {
		return err
	}

	buses := make(map[string]*Bus, len(specs))
	var loggers []*PanelLogger
	for _, spec := range specs {
		env := MiddlewareEnv{
			Bus:        spec.Name,
			Logger:     m.logger.With(loggingpkg.LogFields{"bus": spec.Name}),
			Registerer: m.registerer,
			Clock:      m.clock,
		}
		middleware, err := set.build(spec.Middleware, env)
		if err != nil {
			return err
		}
		var panel *PanelLogger
		if m.cfg.Panel.Enabled && spec.Panel {
			panel = NewPanelLogger(spec.Name, m.clock, DefaultPanelCapacity)
			loggers = append(loggers, panel)
		}
		buses[spec.Name] = newBus(busParts{
			spec:       spec,
			table:      m.tables[spec.Name],
			types:      m.types,
			services:   services,
			senders:    m.senders,
			middleware: middleware,
			panel:      panel,
			logger:     env.Logger,
		})
	}
	m.buses = NewBusLocator(buses, m.cfg.ResolvedDefaultBus())
	m.panel = NewPanel(loggers...)
	return nil
}

func metricsHandler(registerer prometheus.Registerer) http.Handler {
	if gatherer, ok := registerer.(prometheus.Gatherer); ok {
		return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

// Dispatch dispatches msg on the bus named by its BusNameStamp, or on the
// default bus.
func (m *Messenger) Dispatch(ctx context.Context, msg any, stamps ...envelope.Stamp) (*envelope.Envelope, error) {
	if m.closed.Load() {
		return nil, errspkg.ErrMessengerClosed
	}
	return m.buses.Dispatch(ctx, msg, stamps...)
}

// Bus returns the bus registered under name.
func (m *Messenger) Bus(name string) (*Bus, error) {
	return m.buses.Bus(name)
}

// Buses returns the bus locator.
func (m *Messenger) Buses() *BusLocator { return m.buses }

// Tables returns the routing table of every bus.
func (m *Messenger) Tables() map[string]*routing.Table {
	out := make(map[string]*routing.Table, len(m.tables))
	for name, table := range m.tables {
		out[name] = table
	}
	return out
}

// Types returns the message type registry.
func (m *Messenger) Types() *routing.TypeRegistry { return m.types }

// Senders returns the transport senders.
func (m *Messenger) Senders() *SendersLocator { return m.senders }

// Panel returns the debug panel. It has no buses when the panel is
// disabled.
func (m *Messenger) Panel() *Panel { return m.panel }

// Metrics returns the worker metrics.
func (m *Messenger) Metrics() *WorkerMetrics { return m.metrics }

// Config returns the effective configuration.
func (m *Messenger) Config() configpkg.Config { return m.cfg }

// Transport returns the built transport registered under name.
func (m *Messenger) Transport(name string) (transport.Transport, error) {
	entry, ok := m.transports[name]
	if !ok {
		return transport.Transport{}, &errspkg.ServiceNotFoundError{Kind: "transport", Key: name}
	}
	return entry.transport, nil
}

// Capabilities returns the capabilities of a transport.
func (m *Messenger) Capabilities(name string) (transport.Capabilities, error) {
	entry, ok := m.transports[name]
	if !ok {
		return transport.Capabilities{}, &errspkg.ServiceNotFoundError{Kind: "transport", Key: name}
	}
	return entry.caps, nil
}

// Start starts the panel and metrics HTTP servers when enabled.
func (m *Messenger) Start(context.Context) error {
	if m.closed.Load() {
		return errspkg.ErrMessengerClosed
	}
	return m.servers.Start()
}

// Close stops the HTTP servers and closes every transport. Pending
// emulated delays are dropped.
func (m *Messenger) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	return errors.Join(m.servers.Shutdown(ctx), m.closeTransports())
}

func (m *Messenger) closeTransports() error {
	var errs []error
	for name, entry := range m.transports {
		if err := entry.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("busflow: closing transport %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

type workersView struct {
	Metrics   WorkerMetricsSnapshot `json:"metrics"`
	Resources ResourceUsage         `json:"resources"`
}

func (m *Messenger) handleGetWorkers(w http.ResponseWriter, r *http.Request) {
	if origin := allowedCORSOrigin(m.cfg.Panel.CORSAllowedOrigins, r.Header.Get("Origin")); origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}
	w.Header().Set("Content-Type", "application/json")
	view := workersView{Metrics: m.metrics.Snapshot(), Resources: m.resources.Snapshot()}
	if err := jsoncodec.Encode(w, view); err != nil {
		m.logger.Error("Failed to encode worker metrics", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
