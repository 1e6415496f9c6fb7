package internal

import (
	"context"

	"github.com/getsentry/sentry-go"
)

// GetSentryHubFromContextOrDefault is a version of sentry.GetHubFromContext which
// automatically falls back to sentry.CurrentHub if the given context has not been
// attached a hub.
//
// The returned pointer is always nonnil.
func GetSentryHubFromContextOrDefault(ctx context.Context) *sentry.Hub {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return hub
}

// ReportError logs err along with the directory request metadata in ctx and sends it to Sentry,
// tagged with the operation which failed. Errors caused by the caller giving up are only logged.
func ReportError(ctx context.Context, op string, err error) {
	DecorateLogger(ctx, logger.Warn()).Err(err).Str("op", op).Msg("directory request failed")
	if ctx.Err() != nil {
		return
	}
	hub := GetSentryHubFromContextOrDefault(ctx)
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("op", op)
		hub.CaptureException(err)
	})
}
