package logging

import (
	"go.uber.org/fx/fxevent"
)

// NewFxEventLogger lets the fx container log through log. A zap backed
// logger is handed to fxevent.ZapLogger directly.
func NewFxEventLogger(log ServiceLogger) fxevent.Logger {
	if z, ok := Zap(log); ok {
		return &fxevent.ZapLogger{Logger: z}
	}
	return &fxLogger{log: log}
}

type fxLogger struct {
	log ServiceLogger
}

func (l *fxLogger) LogEvent(event fxevent.Event) {
	switch e := event.(type) {
	case *fxevent.OnStartExecuted:
		l.result("OnStart hook executed", e.Err, LogFields{"callee": e.FunctionName, "caller": e.CallerName, "runtime": e.Runtime.String()})
	case *fxevent.OnStopExecuted:
		l.result("OnStop hook executed", e.Err, LogFields{"callee": e.FunctionName, "caller": e.CallerName, "runtime": e.Runtime.String()})
	case *fxevent.Provided:
		for _, name := range e.OutputTypeNames {
			l.log.Trace("provided", LogFields{"constructor": e.ConstructorName, "type": name})
		}
		if e.Err != nil {
			l.log.Error("error encountered while applying options", e.Err, nil)
		}
	case *fxevent.Invoked:
		l.result("invoked", e.Err, LogFields{"function": e.FunctionName})
	case *fxevent.Started:
		l.result("started", e.Err, nil)
	case *fxevent.Stopped:
		l.result("stopped", e.Err, nil)
	case *fxevent.RollingBack:
		l.log.Error("start failed, rolling back", e.StartErr, nil)
	case *fxevent.RolledBack:
		if e.Err != nil {
			l.log.Error("rollback failed", e.Err, nil)
		}
	case *fxevent.LoggerInitialized:
		if e.Err != nil {
			l.log.Error("custom logger initialization failed", e.Err, nil)
		}
	}
}

func (l *fxLogger) result(msg string, err error, fields LogFields) {
	if err != nil {
		l.log.Error(msg, err, fields)
		return
	}
	l.log.Debug(msg, fields)
}
