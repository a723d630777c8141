// Package job holds the data model passed between the enumerator, the
// shadow builder, the drainer, and the swap/drop step: one TableJob per
// target relation, plus the small value types it is built from.
//
// Fragment fields are opaque SQL text supplied by the server-side
// companion extension. Nothing in this module parses them; the only
// client-side SQL composition is the ORDER BY suffix appended to
// CreateTable by the target enumerator.
package job

// FragmentBundle is the set of pre-composed SQL fragments the companion
// extension's `tables` view returns for one target relation.
type FragmentBundle struct {
	CreatePKType  string
	CreateLog     string
	CreateTrigger string
	EnableTrigger string
	CreateTable   string
	DropColumns   string // "" if absent
	DeleteLog     string
	LockTable     string
	SQLPeek       string
	SQLInsert     string
	SQLDelete     string
	SQLUpdate     string
	SQLPop        string
}

// TableJob is one reorganization task: a target relation plus everything
// needed to rebuild it. It is created once by the enumerator, consumed by
// the orchestrator's per-table pipeline, and discarded.
type TableJob struct {
	// Schema, when set, is combined with Table by QualifiedName. The
	// enumerator does not split the companion extension's reported
	// target_name: it leaves Schema "" and stores the name as reported
	// (already schema-qualified and quoted when necessary) in Table.
	Schema string
	Table  string

	TargetOID     uint32
	ToastOID      uint32 // 0 if the relation has no TOAST table
	ToastIndexOID uint32 // 0 if the relation has no TOAST index
	PKeyOID       uint32 // required; zero is a hard error, see Validate
	CKeyOID       uint32 // 0 if the relation has no clustering key

	// CKeySQL is the clustering-key SQL fragment. Empty unless CKeyOID != 0.
	CKeySQL string

	Fragments FragmentBundle
}

// QualifiedName returns the relation name suitable for interpolation into
// a SQL statement (e.g. ANALYZE). When Schema is set it is combined with
// Table into a double-quoted "schema"."table" form; otherwise Table is
// returned as-is, since the enumerator populates it with the companion
// extension's already schema-qualified target_name in that case.
func (j *TableJob) QualifiedName() string {
	if j.Schema == "" {
		return j.Table
	}
	return `"` + j.Schema + `"."` + j.Table + `"`
}

// Validate enforces the invariants spec.md §3 places on a TableJob before
// it may be processed. clustered reports whether the job is being run in
// clustered-order mode (no user ORDER BY, not vacuum-full), the one mode
// that additionally requires a clustering key.
func (j *TableJob) Validate(clustered bool) error {
	if j.PKeyOID == 0 {
		return &PreconditionError{
			Table:  j.QualifiedName(),
			Reason: "must have a primary key or not-null unique key",
		}
	}
	if clustered && j.CKeyOID == 0 {
		return &PreconditionError{
			Table:  j.QualifiedName(),
			Reason: "has no cluster key",
		}
	}
	return nil
}

// PreconditionError reports a per-table precondition failure (spec.md §7):
// no primary key, no clustering key in clustered mode, or a conflicted
// trigger. The orchestrator aborts the offending table and, in
// single-table mode, exits with this error.
type PreconditionError struct {
	Table  string
	Reason string
}

func (e *PreconditionError) Error() string {
	return `relation "` + e.Table + `" ` + e.Reason
}

// IndexSpec describes one index to rebuild against the shadow table.
// Populated by the shadow builder's pg_index query and consumed
// immediately; it is not retained across table jobs.
type IndexSpec struct {
	IndexOID   uint32
	RebuildSQL string
	Valid      bool
	Definition string // original index definition, for logging only
}
