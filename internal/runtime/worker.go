package runtime

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	configpkg "github.com/drblury/busflow/internal/runtime/config"
	"github.com/drblury/busflow/internal/runtime/envelope"
	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/busflow/internal/runtime/logging"
	"github.com/drblury/busflow/internal/runtime/metadata"
	"github.com/drblury/busflow/internal/runtime/routing"
)

var routerRun = func(ctx context.Context, router *message.Router) error {
	return router.Run(ctx)
}

// ConsumeOptions controls a worker run. Zero limits are disabled.
type ConsumeOptions struct {
	// Receivers are the transports to consume. Empty consumes every
	// configured transport.
	Receivers []string
	// Bus dispatches every received message on this bus instead of the
	// bus recorded in the message.
	Bus          string
	Limit        int
	FailureLimit int
	TimeLimit    time.Duration
	// MemoryLimit stops the worker once the heap exceeds this many bytes.
	MemoryLimit uint64
	Hooks       WorkerHooks
}

// StopReason tells why a worker stopped.
type StopReason string

const (
	StopContextDone  StopReason = "context done"
	StopMessageLimit StopReason = "message limit reached"
	StopFailureLimit StopReason = "failure limit reached"
	StopTimeLimit    StopReason = "time limit reached"
	StopMemoryLimit  StopReason = "memory limit reached"
)

// ConsumeResult summarises a worker run.
type ConsumeResult struct {
	Received int64
	Failed   int64
	Reason   StopReason
}

type worker struct {
	m      *Messenger
	opts   ConsumeOptions
	hooks  WorkerHooks
	logger loggingpkg.ServiceLogger
	cancel context.CancelFunc

	received atomic.Int64
	failed   atomic.Int64

	stopOnce sync.Once
	reason   atomic.Value
}

// Consume receives messages from transports and dispatches them until ctx
// is done or a limit is reached. Failed messages are retried through their
// transport, moved to the failure transport or rejected.
func (m *Messenger) Consume(ctx context.Context, opts ConsumeOptions) (ConsumeResult, error) {
	if m.closed.Load() {
		return ConsumeResult{}, errspkg.ErrMessengerClosed
	}
	receivers := opts.Receivers
	if len(receivers) == 0 {
		receivers = m.cfg.TransportNames()
	}
	if len(receivers) == 0 {
		return ConsumeResult{}, fmt.Errorf("busflow: no receivers to consume")
	}
	for _, name := range receivers {
		entry, ok := m.transports[name]
		if !ok {
			return ConsumeResult{}, &errspkg.ServiceNotFoundError{Kind: "receiver", Key: name}
		}
		if entry.transport.Subscriber == nil {
			return ConsumeResult{}, fmt.Errorf("busflow: transport %q cannot be consumed", name)
		}
	}
	if opts.Bus != "" {
		if _, err := m.buses.Bus(opts.Bus); err != nil {
			return ConsumeResult{}, err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := &worker{
		m:      m,
		opts:   opts,
		hooks:  m.hooks.Merge(opts.Hooks),
		logger: m.logger.With(loggingpkg.LogFields{"component": "worker"}),
		cancel: cancel,
	}

	router, err := message.NewRouter(message.RouterConfig{}, m.wmLogger)
	if err != nil {
		return ConsumeResult{}, err
	}
	router.AddMiddleware(middleware.Recoverer)
	if m.cfg.Metrics.Enabled {
		metrics.NewPrometheusMetricsBuilder(m.registerer, "busflow", "router").AddPrometheusRouterMetrics(router)
	}
	for _, name := range receivers {
		entry := m.transports[name]
		router.AddNoPublisherHandler("busflow_"+name, entry.sender.Topic(), keepOpen{entry.transport.Subscriber}, w.handler(name))
	}

	if opts.TimeLimit > 0 {
		timer := m.clock.AfterFunc(opts.TimeLimit, func() { w.stop(StopTimeLimit) })
		defer timer.Stop()
	}

	w.logger.Info("Worker started", loggingpkg.LogFields{"receivers": receivers, "bus": opts.Bus})

	runDone := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(runDone)
		defer cancel()
		return routerRun(gctx, router)
	})
	g.Go(func() error {
		select {
		case <-runDone:
			return nil
		case <-gctx.Done():
		}
		// Closing before Run subscribed would leave the handlers running.
		select {
		case <-router.Running():
		case <-runDone:
			return nil
		}
		return router.Close()
	})
	err = g.Wait()

	result := ConsumeResult{Received: w.received.Load(), Failed: w.failed.Load(), Reason: w.stopReason()}
	w.logger.Info("Worker stopped", loggingpkg.LogFields{
		"reason":   string(result.Reason),
		"received": result.Received,
		"failed":   result.Failed,
	})
	return result, err
}

// keepOpen hides Close from the router, which closes the subscribers of its
// handlers on shutdown. Transports belong to the Messenger and outlive a
// worker run; subscriptions end with the router context instead.
type keepOpen struct {
	message.Subscriber
}

func (keepOpen) Close() error { return nil }

func (w *worker) stop(reason StopReason) {
	w.stopOnce.Do(func() {
		w.reason.Store(reason)
		w.cancel()
	})
}

func (w *worker) stopReason() StopReason {
	if reason, ok := w.reason.Load().(StopReason); ok {
		return reason
	}
	return StopContextDone
}

func (w *worker) handler(receiver string) message.NoPublishHandlerFunc {
	entry := w.m.transports[receiver]
	return func(msg *message.Message) error {
		start := w.m.clock.Now()
		ev := WorkerEvent{
			Receiver:    receiver,
			MessageUUID: msg.UUID,
			MessageType: msg.Metadata.Get(metadata.KeyType),
			Context:     msg.Context(),
			StartedAt:   start,
		}

		env, err := entry.serializer.Decode(msg)
		if err != nil {
			ev.Action = FailureRejected
			ev.Duration = w.m.clock.Since(start)
			w.hooks.failed(ev, err)
			w.afterMessage(true)
			return nil
		}

		env = w.stampReceived(env, receiver)
		ev.Envelope = env
		ev.MessageType = routing.NameOf(env.Message())
		ev.RetryCount = envelope.RetryCount(env)
		w.hooks.received(ev)

		result, dispatchErr := w.m.buses.Dispatch(msg.Context(), env)
		ev.Duration = w.m.clock.Since(start)
		if dispatchErr == nil {
			w.hooks.handled(ev)
			w.afterMessage(false)
			return nil
		}
		if result == nil {
			result = env
		}

		action, err := w.fail(msg.Context(), receiver, result, dispatchErr)
		ev.Action = action
		w.hooks.failed(ev, dispatchErr)
		w.afterMessage(true)
		if err != nil {
			w.logger.Error("Failed to handle message failure", err, loggingpkg.LogFields{
				"receiver":     receiver,
				"message_uuid": msg.UUID,
				"action":       string(action),
			})
			return err
		}
		return nil
	}
}

// stampReceived stamps env as received from receiver. Messages coming back from
// a failure transport are treated as received from their original
// receiver, so transport-bound handlers still match.
func (w *worker) stampReceived(env *envelope.Envelope, receiver string) *envelope.Envelope {
	from := receiver
	if failed, ok := envelope.Last[envelope.SentToFailureTransportStamp](env); ok && failed.OriginalReceiver != "" {
		from = failed.OriginalReceiver
	}
	env = env.WithoutAll(envelope.ReceivedStamp{}.StampName()).With(envelope.ReceivedStamp{Transport: from})
	if w.opts.Bus != "" {
		env = env.WithoutAll(envelope.BusNameStamp{}.StampName()).With(envelope.BusNameStamp{Bus: w.opts.Bus})
	}
	return env
}

func (w *worker) fail(ctx context.Context, receiver string, env *envelope.Envelope, cause error) (FailureAction, error) {
	entry := w.m.transports[receiver]
	retries := envelope.RetryCount(env)
	now := w.m.clock.Now()

	if !errspkg.IsUnrecoverable(cause) && retries < entry.retry.Retries() {
		delay := RetryDelay(entry.retry, retries+1)
		retry := withoutTransportStamps(env).With(
			envelope.RedeliveryStamp{RetryCount: retries + 1, RedeliveredAt: now},
			envelope.DelayStamp{Delay: delay},
		)
		if _, err := entry.sender.Send(ctx, retry); err != nil {
			return FailureRetried, err
		}
		return FailureRetried, nil
	}

	if entry.failure != "" {
		failureEntry, ok := w.m.transports[entry.failure]
		if !ok {
			return FailureSentToFailureTransport, &errspkg.SenderNotFoundError{Alias: entry.failure}
		}
		failed := withoutTransportStamps(env).
			WithoutAll(envelope.RedeliveryStamp{}.StampName()).
			WithoutAll(envelope.SentToFailureTransportStamp{}.StampName()).
			WithoutAll(envelope.ErrorDetailsStamp{}.StampName()).
			With(
				envelope.SentToFailureTransportStamp{OriginalReceiver: originalReceiver(env, receiver)},
				envelope.ErrorDetailsStamp{Message: cause.Error(), FailedAt: now},
			)
		if _, err := failureEntry.sender.Send(ctx, failed); err != nil {
			return FailureSentToFailureTransport, err
		}
		return FailureSentToFailureTransport, nil
	}

	return FailureRejected, nil
}

func originalReceiver(env *envelope.Envelope, receiver string) string {
	if failed, ok := envelope.Last[envelope.SentToFailureTransportStamp](env); ok && failed.OriginalReceiver != "" {
		return failed.OriginalReceiver
	}
	return receiver
}

func withoutTransportStamps(env *envelope.Envelope) *envelope.Envelope {
	return env.
		WithoutAll(envelope.ReceivedStamp{}.StampName()).
		WithoutAll(envelope.SentStamp{}.StampName()).
		WithoutAll(envelope.DelayStamp{}.StampName()).
		WithoutAll(envelope.TransportMessageIDStamp{}.StampName())
}

func (w *worker) afterMessage(failed bool) {
	if n := w.received.Add(1); w.opts.Limit > 0 && n >= int64(w.opts.Limit) {
		w.stop(StopMessageLimit)
	}
	if failed {
		if n := w.failed.Add(1); w.opts.FailureLimit > 0 && n >= int64(w.opts.FailureLimit) {
			w.stop(StopFailureLimit)
		}
	}
	if memoryExceeded(w.opts.MemoryLimit) {
		w.stop(StopMemoryLimit)
	}
}

// RetryDelay returns the delay before retry attempt (1-based):
// Delay * Multiplier^(attempt-1), capped at MaxDelay when set.
func RetryDelay(strategy configpkg.RetryStrategy, attempt int) time.Duration {
	strategy = strategy.WithDefaults()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = strategy.Delay
	b.Multiplier = strategy.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.MaxInterval = time.Duration(math.MaxInt64)
	if strategy.MaxDelay > 0 {
		b.MaxInterval = strategy.MaxDelay
	}
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	if strategy.MaxDelay > 0 && delay > strategy.MaxDelay {
		delay = strategy.MaxDelay
	}
	return delay
}
