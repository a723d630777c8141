package job

// Options collects the run configuration gathered from CLI flags,
// environment variables, and an optional config file (see internal/config).
// It is passed down, read-only, through the orchestrator.
type Options struct {
	All     bool   // repack every connectable database
	Table   string // restrict to one relation (regclass-parseable); "" means all eligible tables
	NoOrder bool   // vacuum-full mode: rewrite in place, no clustering order
	OrderBy string // user-supplied ORDER BY expression; "" with NoOrder false means "use the clustering key"

	WaitTimeout int // seconds before the lock escalator starts canceling blockers
	NoAnalyze   bool

	Database string // administrative database to connect to for --all, or the target database otherwise
	DSN      string // full connection string, takes precedence over Database when set
}

// OrderMode reports which of the three create_table ORDER BY behaviors
// these options select.
type OrderMode int

const (
	// OrderClustered appends the table's clustering-key fragment.
	OrderClustered OrderMode = iota
	// OrderVacuumFull leaves create_table unmodified.
	OrderVacuumFull
	// OrderUser appends the user-supplied OrderBy expression.
	OrderUser
)

// Mode resolves which ORDER BY behavior these options select, mirroring
// the original client's three-way `orderby == NULL` / `orderby[0] == 0` /
// `orderby` branch.
func (o Options) Mode() OrderMode {
	switch {
	case o.NoOrder:
		return OrderVacuumFull
	case o.OrderBy != "":
		return OrderUser
	default:
		return OrderClustered
	}
}

// DatabaseOutcome reports the per-database result of a --all run: either
// it was repacked (Err == nil, Skipped == false), skipped for a named
// reason (e.g. "not installed"), or failed outright.
type DatabaseOutcome struct {
	Database string
	Skipped  bool
	Reason   string
	Err      error
}
