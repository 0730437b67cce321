// Package task defines the survey task record, its lifecycle state machine and
// the persistence layer behind it.
//
// A record is created in pending, advances through the pipeline stage states
// (preparing, searching, searching_web, crawling, processing) and finishes in
// exactly one of completed, failed or timeout. Stores enforce the state
// machine atomically, so a terminal record can never be overwritten by a late
// stage update.
//
// Two Store implementations are provided:
//  1. SQLStore over database/sql, for SQLite (modernc.org/sqlite) or Postgres
//     (pgx stdlib driver). Call Migrate on a fresh database.
//  2. RedisStore over go-redis, using Lua scripts for guarded updates and key
//     expiry for retention.
package task
