// Package stores provides persistence for workflow runs. SQLiteStore keeps
// runs, node records, result documents and the event timeline in SQLite
// (WAL mode, embedded migrations); MemoryStore holds the same data in
// process memory for tests and one-off runs. Both implement engine.Store.
package stores
