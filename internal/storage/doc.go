// Package storage provides durable membership sets used alongside the ledger.
//
// Two sets are used by the pipeline:
//   - "sent": identifiers that already received a message (at-most-once guard)
//   - "unregistered": identifiers the messaging network reported as unreachable
//
// Backends: file (jsonl journal + snapshot), redis (sorted set per name) and memory.
package storage
