// Package watcher waits for a visit's raw images to arrive in the image
// bucket, ingesting each into the local workspace as it lands.
//
// Arrival is signaled two ways: objects already in the bucket when the visit
// starts (found by a prefix scan) and object-created notifications delivered
// on a message queue. Both paths funnel through the same ingest.
package watcher

import (
	"context"
	"time"
)

// Notification is one object-created event from the image bucket.
type Notification struct {
	// Key is the object path within the bucket.
	Key string
}

// Consumer pulls bucket notifications from a queue. Implementations are not
// safe for concurrent use; each visit watch owns one consumer at a time.
type Consumer interface {
	// Next returns the next batch of notifications, blocking up to wait. An
	// empty batch with a nil error means the wait elapsed with nothing to
	// deliver.
	Next(ctx context.Context, wait time.Duration) ([]Notification, error)

	// Ack marks every notification returned so far as consumed. Notifications
	// are acked whether or not they were relevant to the current visit;
	// irrelevant ones would otherwise be redelivered forever.
	Ack(ctx context.Context) error

	// Close releases the consumer. It must be called on every exit path.
	Close() error
}
