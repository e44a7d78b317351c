// Package mysql provides data access backed by MySQL for the orchestration
// engine. It encapsulates schema migrations, the shared connection pool, and
// strongly typed stores for work units, audit entries, outbox rows, and codec
// idempotency markers.
package mysql
