// Package storage is the persistence layer for execution records.
//
// It supports SQLite (modernc.org/sqlite) and Postgres (pgx stdlib). All
// record access goes through a *Tx; a Tx is only valid until it is committed
// or rolled back, after which every call returns ErrTxClosed.
package storage
