package logging

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWatermillServiceLoggerDelegates(t *testing.T) {
	base := newRecordingWatermillLogger()
	logger := NewWatermillServiceLogger(base)

	logger.Debug("dbg", LogFields{"component": "watermill"})
	logger.Info("info", nil)
	logger.Trace("trace", LogFields{"trace": true})
	logger.Error("oops", errors.New("boom"), LogFields{"failed": true})

	child := logger.With(LogFields{"child": "yes"})
	child.Info("child_info", nil)

	if len(base.entries) != 6 {
		t.Fatalf("expected 6 log entries, got %d", len(base.entries))
	}
	if base.entries[0].level != "debug" || base.entries[0].fields["component"] != "watermill" {
		t.Fatalf("unexpected first entry: %#v", base.entries[0])
	}
	if base.entries[4].fields["child"] != "yes" {
		t.Fatalf("expected With to propagate fields, got %#v", base.entries[4].fields)
	}
	if logger.With(nil) != logger {
		t.Fatal("expected With(nil) to return the same logger")
	}
}

func TestConstructorsPanicOnNil(t *testing.T) {
	cases := map[string]func(){
		"watermill": func() { NewWatermillServiceLogger(nil) },
		"slog":      func() { NewSlogServiceLogger(nil) },
		"zap":       func() { NewZapServiceLogger(nil) },
		"adapter":   func() { NewWatermillAdapter(nil) },
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if r := recover(); r == nil {
					t.Fatal("expected panic")
				}
			}()
			fn()
		})
	}
}

func TestWatermillAdapterDelegates(t *testing.T) {
	base := &recordingServiceLogger{}
	adapter := NewWatermillAdapter(base)

	adapter.Debug("dbg", watermill.LogFields{"k": "v"})
	adapter.Info("info", nil)
	adapter.Trace("trace", nil)
	adapter.Error("err", errors.New("boom"), nil)

	child := adapter.With(watermill.LogFields{"child": "yes"})
	child.Info("child_info", nil)

	if len(base.entries) != 4 {
		t.Fatalf("expected 4 delegated entries on base, got %d", len(base.entries))
	}
	childBase := child.(*serviceLoggerAdapter).base.(*recordingServiceLogger)
	if len(childBase.entries) != 2 || childBase.entries[0].fields["child"] != "yes" {
		t.Fatalf("expected child logger to record entries, got %#v", childBase.entries)
	}
}

func TestWatermillAdapterUnwrapsWatermillLogger(t *testing.T) {
	base := newRecordingWatermillLogger()
	if NewWatermillAdapter(NewWatermillServiceLogger(base)) != watermill.LoggerAdapter(base) {
		t.Fatal("expected the wrapped watermill logger to be returned")
	}
}

func TestWatermillFieldConversions(t *testing.T) {
	if toWatermillFields(nil) != nil || fromWatermillFields(nil) != nil {
		t.Fatal("expected nil conversion to return nil")
	}
	lf := fromWatermillFields(toWatermillFields(LogFields{"a": 1}))
	if lf["a"].(int) != 1 {
		t.Fatalf("unexpected log fields: %#v", lf)
	}
}

func TestNewSlogServiceLoggerWrapsSlog(t *testing.T) {
	logger := NewSlogServiceLogger(slog.New(slog.NewTextHandler(testWriter{}, nil)))
	logger.Info("hello", LogFields{"k": "v"})
	Nop().With(LogFields{"k": "v"}).Error("ignored", errors.New("boom"), nil)
}

func TestZapServiceLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewZapServiceLogger(zap.New(core))

	logger.With(LogFields{"bus": "command"}).Info("dispatched", LogFields{"b": 2, "a": 1})
	logger.Trace("trace", nil)
	logger.Error("failed", errors.New("boom"), nil)

	entries := logs.All()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	ctx := entries[0].ContextMap()
	if ctx["bus"] != "command" || ctx["a"] != int64(1) {
		t.Fatalf("unexpected fields: %#v", ctx)
	}
	if entries[1].Level != zapcore.DebugLevel || entries[1].ContextMap()["trace"] != true {
		t.Fatalf("unexpected trace entry: %#v", entries[1])
	}
	if entries[2].ContextMap()["error"] != "boom" {
		t.Fatalf("expected error field, got %#v", entries[2].ContextMap())
	}

	if z, ok := Zap(logger); !ok || z == nil {
		t.Fatal("expected zap logger to be unwrapped")
	}
	if _, ok := Zap(Nop()); ok {
		t.Fatal("expected non zap logger")
	}
}

func TestFxEventLogger(t *testing.T) {
	if _, ok := NewFxEventLogger(NewZapServiceLogger(zap.NewNop())).(*fxevent.ZapLogger); !ok {
		t.Fatal("expected fxevent.ZapLogger for zap backed loggers")
	}

	base := &recordingServiceLogger{}
	fxLog := NewFxEventLogger(base)
	fxLog.LogEvent(&fxevent.OnStartExecuted{FunctionName: "start", Runtime: time.Millisecond})
	fxLog.LogEvent(&fxevent.Provided{ConstructorName: "NewBus", OutputTypeNames: []string{"*runtime.Bus"}})
	fxLog.LogEvent(&fxevent.Invoked{FunctionName: "run", Err: errors.New("boom")})
	fxLog.LogEvent(&fxevent.Started{})

	if len(base.entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(base.entries))
	}
	if base.entries[0].level != "debug" || base.entries[0].fields["callee"] != "start" {
		t.Fatalf("unexpected first entry: %#v", base.entries[0])
	}
	if base.entries[1].level != "trace" || base.entries[1].fields["type"] != "*runtime.Bus" {
		t.Fatalf("unexpected provided entry: %#v", base.entries[1])
	}
	if base.entries[2].level != "error" || base.entries[2].err == nil {
		t.Fatalf("unexpected invoked entry: %#v", base.entries[2])
	}
}

type recordingWatermillLogger struct {
	entries []watermillEntry
	sink    *[]watermillEntry
}

func newRecordingWatermillLogger() *recordingWatermillLogger {
	logger := &recordingWatermillLogger{}
	logger.sink = &logger.entries
	return logger
}

func (r *recordingWatermillLogger) record(entry watermillEntry) {
	*r.sink = append(*r.sink, entry)
}

type watermillEntry struct {
	level  string
	fields watermill.LogFields
	err    error
}

func (r *recordingWatermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	r.record(watermillEntry{level: "error", fields: fields, err: err})
}

func (r *recordingWatermillLogger) Info(msg string, fields watermill.LogFields) {
	r.record(watermillEntry{level: "info", fields: fields})
}

func (r *recordingWatermillLogger) Debug(msg string, fields watermill.LogFields) {
	r.record(watermillEntry{level: "debug", fields: fields})
}

func (r *recordingWatermillLogger) Trace(msg string, fields watermill.LogFields) {
	r.record(watermillEntry{level: "trace", fields: fields})
}

func (r *recordingWatermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	child := &recordingWatermillLogger{sink: r.sink}
	child.record(watermillEntry{level: "with", fields: fields})
	return child
}

type recordingServiceLogger struct {
	entries []loggedEntry
}

type loggedEntry struct {
	level  string
	msg    string
	fields LogFields
	err    error
}

func (r *recordingServiceLogger) With(fields LogFields) ServiceLogger {
	return &recordingServiceLogger{entries: []loggedEntry{{level: "with", fields: fields}}}
}

func (r *recordingServiceLogger) Debug(msg string, fields LogFields) {
	r.entries = append(r.entries, loggedEntry{level: "debug", msg: msg, fields: fields})
}

func (r *recordingServiceLogger) Info(msg string, fields LogFields) {
	r.entries = append(r.entries, loggedEntry{level: "info", msg: msg, fields: fields})
}

func (r *recordingServiceLogger) Error(msg string, err error, fields LogFields) {
	r.entries = append(r.entries, loggedEntry{level: "error", msg: msg, fields: fields, err: err})
}

func (r *recordingServiceLogger) Trace(msg string, fields LogFields) {
	r.entries = append(r.entries, loggedEntry{level: "trace", msg: msg, fields: fields})
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestLogFieldsWith(t *testing.T) {
	base := LogFields{"a": 1, "b": 2}
	merged := base.With(LogFields{"b": 3, "c": 4})

	assert.Equal(t, LogFields{"a": 1, "b": 3, "c": 4}, merged)
	assert.Equal(t, LogFields{"a": 1, "b": 2}, base)
	assert.Empty(t, LogFields(nil).With(nil))
}
