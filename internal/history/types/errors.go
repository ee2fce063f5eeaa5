package types

import "errors"

// Error taxonomy shared across the history and streaming components.
var (
	// ErrStorageTransient marks a retriable I/O failure (disk busy, EINTR).
	ErrStorageTransient = errors.New("transient storage error")

	// ErrStorageFatal marks a non-retriable storage failure (corruption,
	// capacity exhausted after retries).
	ErrStorageFatal = errors.New("fatal storage error")

	// ErrUnclassifiable marks a raw transition the change detector could not
	// map to a change type. Counted, never propagated past the detector.
	ErrUnclassifiable = errors.New("unclassifiable transition")

	// ErrCapacity is returned when a registry or buffer limit is exceeded.
	// Surfaced to the caller, never retried internally.
	ErrCapacity = errors.New("capacity exceeded")

	// ErrDelivery marks a transport send failure. Retried with backoff up to
	// a bounded attempt count, then the subscription is dropped.
	ErrDelivery = errors.New("delivery failed")

	// ErrShuttingDown is returned for operations issued after shutdown began.
	ErrShuttingDown = errors.New("shutting down")
)

// IsRetriable reports whether the error is worth retrying locally.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrStorageTransient) || errors.Is(err, ErrDelivery)
}
