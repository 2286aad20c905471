// Package edgetwin provides a library for reconciling the state of edge
// devices against a remote twin; A twin is a cloud-held pair of property bags
// (desired and reported) describing one device or module - kept in sync by
// routing desired values to local, versioned controllers and reporting the
// resulting effective state back.
//
// Specifically, the package maintains a name-indexed table of versioned
// property handlers ("controllers"), resolves each incoming key through a
// version-ordered cascade until one handler accepts it, and computes the
// minimal diff of values that must be reported upstream. Diff suppression is
// driven by a reported cache that only ever holds values known to have been
// pushed to the remote store.
//
// Reported-state movement is distributed as StateChanged notifications over a
// pubsub service so that other processes can maintain derived views (see
// StateMap) or mirror the state into a Registry. The host subpackage owns the
// connection lifecycle towards the remote store itself.
package edgetwin
