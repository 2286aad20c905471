package edgetwin

import "context"

// A Registry is a cloud-side store of the last-known reported document per
// twin. Specific storage engines (e.g. Neo4j) are expected to implement these
// primitive operations.
//
// A Registry's Save method is called concurrently. Thus, implementations must
// allow for concurrent execution.
type Registry interface {
	// Save guarantees that by the time it returns with a nil error, the
	// changes carried by the notification will have been folded into the
	// stored document of the respective twin: Updated properties upserted,
	// Removed properties deleted.
	//
	// If the notification is empty, the function has no meaningful effect and
	// a nil error is returned.
	Save(ctx context.Context, changed StateChanged) error

	// Load returns the stored reported document of the given twin. A twin
	// that was never saved yields an empty (non-nil) document and a nil
	// error.
	Load(ctx context.Context, deviceID, moduleID string) (map[string]Value, error)
}

// Sweeper defines an interface for implementing the observation of changes
// within a registry. Implementers are responsible for detecting and
// summarising changes since the last observation, with the goal of
// maintaining an accurate and up-to-date reflection of the fleet's state.
//
// The Sweep method is the primary means of tracking these changes. It serves
// as an observer that methodically scans the stored documents, effectively
// differentiating between properties that appeared, changed, and disappeared
// since the previous sweep. Sweep should provide high-level insights into the
// fleet's evolution without the need for implementers to understand the
// intricacies of the underlying storage mechanisms.
type Sweeper interface {
	Sweep(ctx context.Context) ([]StateChanged, error)
}
