package cloudtaskmq

import "time"

// RateLimiterConfig bounds task creation for one key: at most MaxRequests
// allowed increments per fixed Window.
type RateLimiterConfig struct {
	MaxRequests int
	Window      time.Duration
}

// QueueConfig declares one logical queue and its dispatcher addressing.
type QueueConfig struct {
	// Name is the logical queue identifier used by AddTask and handlers.
	Name string
	// Path is the dispatcher-side queue resource path.
	Path string
	// ProcessorURL is the callback URL deliveries are posted to. Falls back
	// to Config.DefaultProcessorURL when empty.
	ProcessorURL string
	// ServiceAccountEmail is the OIDC subject for dispatcher-to-callback auth.
	ServiceAccountEmail string
	// MaxRetries is the default attempt cap for tasks on this queue.
	MaxRetries int
	// RetryDelay is forwarded to dispatcher-side queue creation.
	RetryDelay time.Duration
	// RateLimiter, when set, bounds ingress on this queue.
	RateLimiter *RateLimiterConfig
}

// AuthConfig carries dispatcher credentials. The engine never reads them; they
// are passed through to the caller's DispatcherClient construction.
type AuthConfig struct {
	// KeyFilename points at a service-account key file.
	KeyFilename string
	// CredentialsJSON holds inline credentials, taking precedence over
	// KeyFilename when set.
	CredentialsJSON []byte
}

// Config is the engine configuration. Storage and dispatcher clients are
// constructed by the caller and passed to NewEngine directly; the engine does
// not know about adapter internals.
type Config struct {
	// ProjectID and Location address the dispatcher.
	ProjectID string
	Location  string
	// Queues lists every queue the engine may produce to or consume from.
	Queues []QueueConfig
	// DefaultProcessorURL is used by queues without their own ProcessorURL.
	DefaultProcessorURL string
	// AutoCreateQueues makes NewEngine attempt dispatcher-side queue creation.
	AutoCreateQueues bool
	// GlobalRateLimiter, when set, bounds task creation across all queues.
	GlobalRateLimiter *RateLimiterConfig
	// Auth holds dispatcher credentials for the caller's client construction.
	Auth *AuthConfig
}

// DefaultMaxAttempts is the attempt cap when neither the task options nor the
// queue config provide one.
const DefaultMaxAttempts = 3

// queueByName resolves a queue config, applying the processor URL fallback.
func (c *Config) queueByName(name string) (QueueConfig, bool) {
	for _, q := range c.Queues {
		if q.Name == name {
			if q.ProcessorURL == "" {
				q.ProcessorURL = c.DefaultProcessorURL
			}
			return q, true
		}
	}
	return QueueConfig{}, false
}
