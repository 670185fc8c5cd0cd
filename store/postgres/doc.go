// Package postgres implements the store using pgx/v5 with raw SQL.
// Structured task and batch fields live in JSONB columns; batch
// counter updates run inside a transaction holding the job row lock.
package postgres
