package header

// epoch is shared by pointer between a Manager and every Savepoint it
// has issued since the last commit or rollback. Invalidating it (the
// *epoch pointed to, not the Manager's field) severs every Savepoint
// taken before the invalidation in one step, which is the Go
// equivalent of the source's weak/strong Arc tag pair.
//
// The standard library's weak package (available since Go 1.24) was
// considered for this instead of a manual flag, since it is the more
// direct translation of "weak reference invalidated by the garbage
// collector". It was rejected: weak.Pointer only observes
// invalidation once the runtime actually collects the referent, which
// has no deterministic relationship to when commit or rollback
// returns. Savepoint validity here must flip synchronously the
// instant commit/rollback completes, so an explicit flag is used
// instead.
type epoch struct {
	invalid bool
}

// Savepoint captures a header snapshot plus the epoch it was taken
// under. It is valid iff that epoch has not since been invalidated by
// a commit or rollback.
type Savepoint struct {
	header *Header
	ep     *epoch
}

// IsValid reports whether this savepoint can still be restored.
func (sp *Savepoint) IsValid() bool {
	return sp != nil && sp.ep != nil && !sp.ep.invalid
}
