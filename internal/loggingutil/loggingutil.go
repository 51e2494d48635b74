// Package loggingutil builds the pslog loggers used by the CLI and tests.
package loggingutil

import (
	"context"
	"io"

	"pkt.systems/pslog"
)

// EnvPrefix is the environment prefix read by New (PWCHANGED_LOG_LEVEL,
// PWCHANGED_LOG_MODE, ...).
const EnvPrefix = "PWCHANGED_LOG_"

// New returns a structured logger writing to w at minLevel. Environment
// variables under EnvPrefix override the supplied options.
func New(ctx context.Context, w io.Writer, minLevel pslog.Level) pslog.Logger {
	return pslog.LoggerFromEnv(ctx,
		pslog.WithEnvPrefix(EnvPrefix),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: minLevel}),
		pslog.WithEnvWriter(w),
	)
}

// Ensure returns l, or a logger that discards everything when l is nil.
func Ensure(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return pslog.NoopLogger()
}
