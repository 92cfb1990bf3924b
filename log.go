package rcluster

import (
	"io"

	kitlog "github.com/go-kit/log"
)

// Logger is the structured log sink the routing core sends opportunistic
// diagnostics through: failed background and pipeline topology refreshes,
// a failed CLUSTER NODES call during a slot load, and each failed
// AdminFanout call. Errors from returning a session to its pool are not
// logged. It is shaped exactly like
// go-kit/log.Logger so a *kitlog adapter, or any logger the embedding
// service already uses, can satisfy it directly.
type Logger interface {
	Log(keyvals ...interface{}) error
}

// kitLogger adapts a github.com/go-kit/log.Logger to Logger (identical
// shape, kept as a distinct type so callers aren't forced to import
// go-kit/log themselves to satisfy the interface).
type kitLogger struct {
	l kitlog.Logger
}

// NewLogfmtLogger returns a Logger that writes logfmt-encoded records to
// w, built on github.com/go-kit/log — the same structured-logging
// library cortexproject-cortex uses throughout its own pkg/util/log.
func NewLogfmtLogger(w io.Writer) Logger {
	return &kitLogger{l: kitlog.NewLogfmtLogger(w)}
}

func (k *kitLogger) Log(keyvals ...interface{}) error { return k.l.Log(keyvals...) }

type nopLogger struct{}

func (nopLogger) Log(keyvals ...interface{}) error { return nil }

// NopLogger discards everything logged through it. Used when
// ClusterConfig.Logger is left nil.
func NopLogger() Logger { return nopLogger{} }

func logError(l Logger, component, msg string, err error) {
	if l == nil {
		return
	}
	_ = l.Log("level", "error", "component", component, "msg", msg, "err", err)
}
