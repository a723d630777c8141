// Package metrics holds the OTel instruments the reorganization engine
// records against: rows drained, lock-wait time, and retry counts.
// Instruments are registered against the global delegating provider at
// init time, so they forward to a real exporter once one is installed by
// cmd/pgreorg's telemetry setup and are otherwise safe, cheap no-ops.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// reorgMeter mirrors the teacher's doltMetrics block in
// internal/storage/dolt/store.go: a package-level struct of instruments
// populated once in init().
var reorgMeter = otel.Meter("github.com/pgreorg/pgreorg/reorg")

var instruments struct {
	rowsDrained    metric.Int64Counter
	lockWaitMs     metric.Float64Histogram
	retryCount     metric.Int64Counter
	tablesRepacked metric.Int64Counter
}

func init() {
	instruments.rowsDrained, _ = reorgMeter.Int64Counter("pgreorg.log.rows_drained",
		metric.WithDescription("Rows applied from the change-capture log during drain"),
		metric.WithUnit("{row}"),
	)
	instruments.lockWaitMs, _ = reorgMeter.Float64Histogram("pgreorg.lock.wait_ms",
		metric.WithDescription("Wall-clock time spent acquiring an exclusive lock on a target relation"),
		metric.WithUnit("ms"),
	)
	instruments.retryCount, _ = reorgMeter.Int64Counter("pgreorg.lock.retry_count",
		metric.WithDescription("Lock attempts that hit a statement timeout and were retried"),
		metric.WithUnit("{retry}"),
	)
	instruments.tablesRepacked, _ = reorgMeter.Int64Counter("pgreorg.tables_repacked",
		metric.WithDescription("Tables successfully swapped into place"),
		metric.WithUnit("{table}"),
	)
}

// RowsDrained records n rows applied from the log for the given target OID.
func RowsDrained(ctx context.Context, targetOID uint32, n int64) {
	if n <= 0 {
		return
	}
	instruments.rowsDrained.Add(ctx, n, metric.WithAttributes(targetAttr(targetOID)))
}

// LockWait records how long a lock acquisition took for the given target OID.
func LockWait(ctx context.Context, targetOID uint32, ms float64) {
	instruments.lockWaitMs.Record(ctx, ms, metric.WithAttributes(targetAttr(targetOID)))
}

// Retry records one statement-timeout retry during lock acquisition.
func Retry(ctx context.Context, targetOID uint32) {
	instruments.retryCount.Add(ctx, 1, metric.WithAttributes(targetAttr(targetOID)))
}

// TableRepacked records the successful completion of one table's swap.
func TableRepacked(ctx context.Context, targetOID uint32) {
	instruments.tablesRepacked.Add(ctx, 1, metric.WithAttributes(targetAttr(targetOID)))
}

func targetAttr(oid uint32) attribute.KeyValue {
	return attribute.Int64("pgreorg.target_oid", int64(oid))
}
