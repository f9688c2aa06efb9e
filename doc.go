// Copyright 2025 James Ross

// Package objectrepo implements a content-addressed object
// repository: arbitrary byte streams ("objects") are stored under
// application-chosen keys in a backing Block Store, deduplicated via
// content-defined chunking, and exposed through random-access
// read/write/seek/truncate semantics. Objects are compressed and
// encrypted per chunk before persistence. Changes are staged
// in-memory and become durable only when Commit publishes a new
// archive header; Rollback discards them.
//
// A Repository owns its KeyMap and chunk reference table exclusively.
// At most one Object may be open against a Repository at a time: an
// Object borrows the Repository for its lifetime, which is what lets
// the rest of the package avoid internal locking (see SPEC_FULL.md's
// concurrency model). Multi-writer access to the same repository is
// out of scope; concrete backends (local filesystem, object storage)
// are out of scope too — only the Block Store interface
// (internal/blockstore) and an in-memory reference implementation are
// provided.
package objectrepo
