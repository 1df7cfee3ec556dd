// Package lock provides mutual exclusion over named resources backed by a
// shared store. Every backend (file, database, Redis, NATS JetStream KV or an
// in-process map) implements the same Factory contract and reports what it
// supports through Capabilities.
//
// Acquisition is a polling loop: each attempt performs one atomic claim and
// failed attempts sleep for a uniformly jittered interval until the wait
// window closes. A timed out acquisition is reported as (nil, false, nil) so
// callers branch on it instead of handling an error. Locks held by a factory
// are tracked in its Registry and released together by ReleaseAll, which
// callers defer so every exit path frees them. Processes killed without
// running deferred code rely on store side expiry (the lock lifetime) alone.
package lock
