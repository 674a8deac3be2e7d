// Package telemetry wires optional Sentry error reporting into the errors
// package. Telemetry is opt-in: with no DSN configured or the feature
// disabled, Init is a no-op and nothing leaves the process.
package telemetry

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/voxmorph/voxmorph-go/internal/conf"
	"github.com/voxmorph/voxmorph-go/internal/errors"
)

const flushTimeout = 2 * time.Second

// Init configures Sentry from settings and installs the error reporter.
// Returns an error only on invalid configuration; a disabled config is fine.
func Init(settings *conf.Settings, version string) error {
	if !settings.Sentry.Enabled || settings.Sentry.DSN == "" {
		errors.SetTelemetryReporter(nil)
		return nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              settings.Sentry.DSN,
		Release:          version,
		AttachStacktrace: true,
		SampleRate:       1.0,
	})
	if err != nil {
		return fmt.Errorf("telemetry: sentry init failed: %w", err)
	}

	errors.SetTelemetryReporter(newSentryReporter(true))
	return nil
}

// Flush drains pending events, bounded by flushTimeout. Safe to call even
// when telemetry was never initialized.
func Flush() {
	sentry.Flush(flushTimeout)
}

// sentryReporter implements errors.TelemetryReporter for Sentry
type sentryReporter struct {
	enabled bool
}

func newSentryReporter(enabled bool) *sentryReporter {
	return &sentryReporter{enabled: enabled}
}

func (sr *sentryReporter) IsEnabled() bool {
	return sr.enabled
}

// ReportError sends an enhanced error to Sentry tagged with its component
// and category so events group sensibly in the dashboard.
func (sr *sentryReporter) ReportError(ee *errors.EnhancedError) {
	if !sr.enabled {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", ee.Component)
		scope.SetTag("category", string(ee.Category))
		if ctx := ee.GetContext(); len(ctx) > 0 {
			scope.SetContext("error_context", ctx)
		}
		scope.SetLevel(sentry.LevelError)
		sentry.CaptureMessage(fmt.Sprintf("[%s] %s", ee.Category, ee.Err.Error()))
	})
}
