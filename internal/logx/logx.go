package logx

import (
	"context"

	"pkt.systems/blockterm/schema"
	"pkt.systems/pslog"
)

type contextKey int

const (
	sessionKey contextKey = iota
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithSession annotates the logger with a session id when available.
func WithSession(log pslog.Logger, sessionID schema.SessionID) pslog.Logger {
	if sessionID != "" {
		log = log.With("session", sessionID)
	}
	return log
}

// WithSessionCtx annotates the context logger with the session id unless the
// context already carries the same marker.
func WithSessionCtx(ctx context.Context, sessionID schema.SessionID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if sessionID == "" {
		return log
	}
	if current, ok := ctx.Value(sessionKey).(schema.SessionID); ok && current == sessionID {
		return log
	}
	return log.With("session", sessionID)
}

// WithTask annotates the logger with task identity.
func WithTask(log pslog.Logger, id uint64, kind schema.TaskKind) pslog.Logger {
	log = log.With("task", id)
	if kind != "" {
		log = log.With("kind", kind)
	}
	return log
}

// WithProxy annotates the logger with the proxy in use, leaving direct
// connections unannotated.
func WithProxy(log pslog.Logger, proxy string) pslog.Logger {
	if proxy != "" && proxy != "none" {
		log = log.With("proxy", proxy)
	}
	return log
}

// WithHost annotates the logger with the target host.
func WithHost(log pslog.Logger, host string) pslog.Logger {
	if host != "" {
		log = log.With("host", host)
	}
	return log
}

// ContextWithSession stores the session marker on the context for log de-duplication.
func ContextWithSession(ctx context.Context, sessionID schema.SessionID) context.Context {
	if ctx == nil || sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey, sessionID)
}

// ContextWithSessionLogger attaches the logger and session marker to the context.
func ContextWithSessionLogger(ctx context.Context, log pslog.Logger, sessionID schema.SessionID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithSession(ctx, sessionID)
}
