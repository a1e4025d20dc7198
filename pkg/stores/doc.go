// Package stores provides the SQLite persistence layer for keel.
//
// SQLiteStore runs in WAL mode with immediate write transactions and embeds
// its schema migrations. It implements engine.Store for tasks and semaphores,
// partition.Roster for the worker roster (one roster per daemon role) and
// monitor.Store for pulses and pages. All timestamps are stored as unix
// milliseconds.
package stores
