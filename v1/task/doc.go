// Package task models the adhoc task queue: typed task records, their
// stores, the QoS reordering that interleaves task types fairly and a
// Dispatcher that runs each task under its own lock.
package task
