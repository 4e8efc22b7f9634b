// Package logfields centralizes the structured-log field conventions shared
// by the driver subsystems.
package logfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey is the canonical key for subsystem tags.
const SubsystemKey = pslog.TrustedString("sys")

// NodeKey is the canonical key for cluster member identity.
const NodeKey = pslog.TrustedString("node")

// ChannelKey is the canonical key for channel identity.
const ChannelKey = pslog.TrustedString("chan")

// WithSubsystem attaches a subsystem tag to every log entry.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}
