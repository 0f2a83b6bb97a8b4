// Package incremental schedules and publishes deferred regions of a
// GraphQL response: object patches discovered behind defer boundaries
// and open-ended item streams, possibly contributed by several
// concurrently executing upstream drivers.
//
// # Overview
//
// The package assembles one ordered sequence of subsequent payloads out
// of a dynamically discovered, partially ordered forest of work units.
// It is built from three pieces:
//   - Graph: the scheduler. It tracks which regions are currently
//     publishable roots, decides when a pending unit of work may run,
//     deduplicates work shared across fragments, serializes stream
//     draining, and queues completed-work events.
//   - Publisher: the orchestrator. It pulls driver payloads, folds them
//     into the merged result, converts completed-work events into
//     formatter calls, and yields payloads to a single consumer through
//     the same pull-based iterator contract the combinator defines.
//   - PayloadFormatter: the externally supplied collaborator that owns
//     wire-format concerns. The package ships MockFormatter as a
//     complete in-repo implementation for tests and as a reference.
//
// # Records
//
// A DeferredFragment mirrors one defer boundary. Fragments form a tree:
// a fragment with a nil Parent hangs off the initial result, and
// fragments are globally deduplicated by label plus path, so re-adding
// a known boundary is a no-op. A fragment owns pending ExecutionGroups
// (units of work that fill it in) and retains their successful results
// until the boundary resolves.
//
// An ExecutionGroup may satisfy several fragments at the same path. Its
// execution is guarded by a compare-and-swap claim, so no matter how
// many fragments independently become ready, the work runs at most once
// and every fragment shares the one outcome.
//
// A Stream is an open-ended list. Each stream drains its queued batches
// strictly in index order on a single drain loop, guarded by a draining
// flag so concurrent kicks are coalesced rather than interleaved.
//
// # Roots and promotion
//
// Only root nodes are published independently. Streams are always
// roots once reachable. A fragment is a root only while it owns at
// least one pending execution group; a fragment with no pending work is
// transparent, and promotion dissolves it so its children take its
// place. Promotion is iterative, not recursive, so deeply nested defer
// chains do not grow the stack.
//
// # Readiness
//
// Fragments carry a tri-state readiness signal. Locally discovered
// fragments are created ready and their work starts as soon as they
// become roots. Fragments announced by an upstream driver start
// pending; the driver later reports success (the work may run) or
// failure (the fragment and everything nested under it is torn down and
// reported failed). Work discovered after its fragment already became a
// ready root is started eagerly on registration, since no later signal
// would start it.
//
// # Stream draining
//
// Queued stream work is drained one entry at a time. Batches that are
// available synchronously accumulate into a single outgoing event. When
// a batch suspends, the accumulation so far is flushed first, so
// earlier items are never held behind a later asynchronous one; after
// the awaited batch arrives the loop yields to the scheduler once, so
// sibling work that became ready in the same turn coalesces into the
// next event instead of fragmenting into many.
//
// # Publishing
//
// The publisher loop: drain the completed-event queue into the
// formatter; if the formatter has a payload ready, yield it. If not and
// no region remains tracked, terminate. If work is still executing,
// await the next completed batch. Otherwise pull one more driver
// payload and fold it. Return and Throw tear down every driver
// concurrently, exactly once, and a done publisher yields terminal
// results without touching the drivers again.
package incremental
