// Package counter provides the shared atomic counter store that backs
// admission control and circuit-breaker state.
//
// Every hot-path coordination primitive in the gateway - cost-window
// running totals, in-flight session counts, breaker state cells - lives
// in a Store rather than in process-local memory, so the admission layer
// can scale horizontally without a shared-memory assumption.
//
// Two backends are provided:
//
//   - MemoryStore: sharded in-process map, the default for a single
//     gateway process.
//   - SQLiteStore: modernc.org/sqlite-backed store for multi-process
//     deployments on a single host.
//
// The Store contract requires that Incr, IncrCheck, and CompareAndSwap
// are atomic with respect to concurrent callers. Callers must never
// implement check-then-update as a read followed by a write; that is
// exactly the race the store primitives exist to prevent.
package counter
