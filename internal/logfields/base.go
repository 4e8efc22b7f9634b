package logfields

import "pkt.systems/pslog"

// Promote lifts a pslog.Base into a full pslog.Logger. Loggers pass through
// unchanged; a bare Base is wrapped so the caller's own backend keeps
// receiving the driver's output. Fatal and Panic degrade to Error on the
// wrapped form since a Base has no terminating levels.
func Promote(b pslog.Base) pslog.Logger {
	if b == nil {
		return pslog.NoopLogger()
	}
	if full, ok := b.(pslog.Logger); ok {
		return full
	}
	return baseLogger{base: b}
}

type baseLogger struct {
	base    pslog.Base
	keyvals []any
}

func (l baseLogger) merged(keyvals []any) []any {
	if len(l.keyvals) == 0 {
		return keyvals
	}
	out := make([]any, 0, len(l.keyvals)+len(keyvals))
	out = append(out, l.keyvals...)
	return append(out, keyvals...)
}

func (l baseLogger) Trace(msg string, keyvals ...any) { l.base.Trace(msg, l.merged(keyvals)...) }
func (l baseLogger) Debug(msg string, keyvals ...any) { l.base.Debug(msg, l.merged(keyvals)...) }
func (l baseLogger) Info(msg string, keyvals ...any)  { l.base.Info(msg, l.merged(keyvals)...) }
func (l baseLogger) Warn(msg string, keyvals ...any)  { l.base.Warn(msg, l.merged(keyvals)...) }
func (l baseLogger) Error(msg string, keyvals ...any) { l.base.Error(msg, l.merged(keyvals)...) }
func (l baseLogger) Fatal(msg string, keyvals ...any) { l.base.Error(msg, l.merged(keyvals)...) }
func (l baseLogger) Panic(msg string, keyvals ...any) { l.base.Error(msg, l.merged(keyvals)...) }

func (l baseLogger) Log(level pslog.Level, msg string, keyvals ...any) {
	switch level {
	case pslog.TraceLevel:
		l.Trace(msg, keyvals...)
	case pslog.DebugLevel:
		l.Debug(msg, keyvals...)
	case pslog.InfoLevel:
		l.Info(msg, keyvals...)
	case pslog.WarnLevel:
		l.Warn(msg, keyvals...)
	default:
		l.Error(msg, keyvals...)
	}
}

func (l baseLogger) With(keyvals ...any) pslog.Logger {
	if len(keyvals) == 0 {
		return l
	}
	merged := make([]any, 0, len(l.keyvals)+len(keyvals))
	merged = append(merged, l.keyvals...)
	merged = append(merged, keyvals...)
	return baseLogger{base: l.base, keyvals: merged}
}

// Level plumbing is a property of the backend; a bare Base exposes none, so
// these are identity operations on the wrapper.
func (l baseLogger) WithLogLevel() pslog.Logger          { return l }
func (l baseLogger) LogLevel(pslog.Level) pslog.Logger   { return l }
func (l baseLogger) LogLevelFromEnv(string) pslog.Logger { return l }
