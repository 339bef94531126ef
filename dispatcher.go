package cloudtaskmq

import (
	"context"
	"time"
)

// DispatcherClient abstracts the external managed dispatch service. The
// dispatcher durably stores enqueued payloads and posts them to the queue's
// processor URL at the scheduled time; everything else is this library's job.
type DispatcherClient interface {
	// CreateQueue provisions the dispatcher-side queue. Used at engine
	// construction when AutoCreateQueues is set. Creating a queue that
	// already exists must not fail.
	CreateQueue(ctx context.Context, q QueueConfig) error
	// EnqueueHTTP registers one HTTP delivery of body to url after delay,
	// authenticated as serviceAccountEmail.
	EnqueueHTTP(ctx context.Context, queuePath, url string, body []byte, delay time.Duration, serviceAccountEmail string) error
}
