// Package deferstream incrementally assembles a single ordered
// response stream out of a dynamically discovered forest of deferred
// object patches and item streams, contributed by one or more
// concurrently executing drivers.
//
// The package is the public surface over three internal layers: a
// generic fan-in combinator over pull-based asynchronous sequences, a
// path-addressed merged result that folds driver payloads and tracks
// pending regions, and the scheduling graph plus publisher that turn
// completed regions into formatter calls and payloads. See the
// internal/incremental package documentation for the full execution
// model.
package deferstream
