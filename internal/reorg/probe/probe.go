// Package probe verifies that the companion extension installed in the
// target database matches this client before any reorganization work
// begins.
package probe

import (
	"context"
	"fmt"

	"github.com/pgreorg/pgreorg/internal/pgerr"
	"github.com/pgreorg/pgreorg/internal/reorg/session"
	"github.com/pgreorg/pgreorg/internal/reorg/version"
)

// Result reports the outcome of a version probe. A zero-value Result with
// OK false and an empty SkipReason never occurs: exactly one of OK or
// SkipReason is set when err is nil.
type Result struct {
	OK         bool
	SkipReason string
}

// Run issues the version check against q and reports whether the database
// should be skipped. It never returns a non-nil error for a version
// mismatch or a missing schema; those are reported as a skip. A non-nil
// error means the query itself failed for some other reason (connection
// loss, permission denied, …) and the caller should treat the database as
// unreachable rather than merely unrepackable.
func Run(ctx context.Context, q session.Querier) (Result, error) {
	row := q.QueryRow(ctx, "select repack.version(), repack.version_sql()")

	var libVersion, sqlVersion string
	if err := row.Scan(&libVersion, &sqlVersion); err != nil {
		if pgerr.IsMissingSchema(err) {
			return Result{SkipReason: fmt.Sprintf("%s is not installed in the database", version.ProgramName)}, nil
		}
		return Result{}, err
	}

	want := version.String()
	if libVersion != want {
		return Result{SkipReason: fmt.Sprintf(
			"program %q does not match database library %q", want, libVersion)}, nil
	}
	if sqlVersion != want {
		return Result{SkipReason: fmt.Sprintf(
			"extension %q required, found extension %q", want, sqlVersion)}, nil
	}
	return Result{OK: true}, nil
}
