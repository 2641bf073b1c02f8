package payments

import (
	"net/http"

	"github.com/membergate/membergate/pkg/membergate"
)

// Config defines the standard configuration all providers accept.
type Config struct {
	// Manager is the membergate Manager that receives entitlement updates
	Manager *membergate.Manager

	// Callback is invoked after each successfully processed event.
	// Optional; nil means no callback.
	Callback Callback

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// Logger is an optional structured logger. If nil, logging is a no-op.
	Logger membergate.Logger

	// Metrics is an optional metrics collector for webhook and API calls.
	// If nil, metrics are silently ignored.
	Metrics Metrics
}
