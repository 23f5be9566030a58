// Package alert delivers operator notifications for events that need a
// human: session death, reconciliation escalations, emergency closes.
package alert

import (
	"context"
	"log/slog"
)

// Severity ranks an alert.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	// SeverityFatal means trading has been or should be halted.
	SeverityFatal Severity = "fatal"
)

// Alerter delivers notifications to an operator channel.
type Alerter interface {
	Notify(ctx context.Context, severity Severity, title, detail string)
}

// Compile-time interface check.
var _ Alerter = (*LogAlerter)(nil)

// LogAlerter writes alerts to the structured log. It is the default sink;
// production deployments layer a paging integration on top of the log
// stream.
type LogAlerter struct {
	log *slog.Logger
}

// NewLogAlerter creates a LogAlerter.
func NewLogAlerter(log *slog.Logger) *LogAlerter {
	return &LogAlerter{log: log.With("component", "alert")}
}

// Notify logs the alert at a level matching its severity.
func (a *LogAlerter) Notify(_ context.Context, severity Severity, title, detail string) {
	switch severity {
	case SeverityFatal:
		a.log.Error(title, "severity", severity, "detail", detail)
	case SeverityWarning:
		a.log.Warn(title, "severity", severity, "detail", detail)
	default:
		a.log.Info(title, "severity", severity, "detail", detail)
	}
}
