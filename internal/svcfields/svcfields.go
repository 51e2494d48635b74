// Package svcfields holds the log field keys shared by every pwchanged
// component.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

const (
	// SubsystemKey tags the emitting component ("pwchange.worker", "store.redis").
	SubsystemKey = pslog.TrustedString("sys")
	// SubjectKey carries the subject whose credential is being changed.
	SubjectKey = pslog.TrustedString("subject")
	// RequestKey carries the id assigned to an accepted change request.
	RequestKey = pslog.TrustedString("request_id")
	// CorrelationKey carries the caller supplied correlation id.
	CorrelationKey = pslog.TrustedString("cid")
)

// Subsystem joins parts with dots, skipping blanks.
func Subsystem(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.Trim(part, ". "); part != "" {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, ".")
}

// WithSubsystem returns logger tagged with the subsystem built from parts.
func WithSubsystem(logger pslog.Logger, parts ...string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	sys := Subsystem(parts...)
	if sys == "" {
		return logger
	}
	return logger.With(SubsystemKey, sys)
}
