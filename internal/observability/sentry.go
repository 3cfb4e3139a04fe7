package observability

import (
	"time"

	"github.com/getsentry/sentry-go"
)

// InitSentry is a no-op when no DSN is configured, so local runs work
// without an account.
func InitSentry(dsn, environment string) error {
	if dsn == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		AttachStacktrace: true,
	})
}

func FlushSentry() {
	sentry.Flush(2 * time.Second)
}
