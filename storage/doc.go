// Package storage holds the broker's entire persistent state behind a small
// key-value contract with TTL expiry.
//
// Two backends ship with the broker: storage/memory for development, tests,
// and single-instance deployments, and storage/redis for shared deployments
// where every request may land on a different process.
//
// Single-use semantics (pending sessions, authorization codes) are expressed
// as get-and-delete. Backends implementing the optional GetDeleter interface
// make that atomic; the Store falls back to a get-then-delete pair otherwise.
package storage
