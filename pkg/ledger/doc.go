// Package ledger provides the durable request log: an append-only record
// of every completed upstream call.
//
// The ledger is the source of truth for spending. The fast counter store
// may lag or fail; recomputing a subject's window usage from the ledger
// is slower but always correct. It is also the only source for
// historical availability queries.
//
// The package contains:
//
//   - CallRecord, the immutable unit of history
//   - Storage, the append/sum/list interface with SQLite and in-memory
//     backends
//   - Recorder, an async buffered writer for non-critical records
//     (manual probes); settlement writes go through Storage.Append
//     synchronously
//   - retention, scheduled pruning of old records
//   - export, JSON and CSV writers for operator reports
package ledger
