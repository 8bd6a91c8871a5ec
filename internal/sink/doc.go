// Package sink fans database change notifications out to external stores.
//
// Sinks:
//   - Postgres changelog table (pgx batch insert)
//   - Redis stream (XADD with approximate MAXLEN)
//   - NATS subjects <prefix>.<schema>.<table>.<type>
//
// The Dispatcher batches changes from a queue and writes each batch to every
// sink. Sinks are append-only; a change id is written at most once per sink.
package sink
