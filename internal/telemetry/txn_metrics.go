package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// TxnMetrics holds all the metric instruments for the transaction protocol.
type TxnMetrics struct {
	TxnsStartedCounter      metric.Int64Counter
	TxnsCommittedCounter    metric.Int64Counter
	TxnsAbortedCounter      metric.Int64Counter
	TxnsInvalidCounter      metric.Int64Counter
	PrepareLatencyHistogram metric.Int64Histogram
	RollbackRetriesCounter  metric.Int64Counter
}

// NewTxnMetrics creates and registers all the metrics for the transaction
// protocol on the given meter.
func NewTxnMetrics(meter metric.Meter) (*TxnMetrics, error) {
	txnsStartedCounter, err := meter.Int64Counter(
		"occtx.txn.started_total",
		metric.WithDescription("Total number of transactions started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	txnsCommittedCounter, err := meter.Int64Counter(
		"occtx.txn.committed_total",
		metric.WithDescription("Total number of transactions committed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	txnsAbortedCounter, err := meter.Int64Counter(
		"occtx.txn.aborted_total",
		metric.WithDescription("Total number of transactions aborted."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	txnsInvalidCounter, err := meter.Int64Counter(
		"occtx.txn.invalid_total",
		metric.WithDescription("Total number of transactions whose cleanup failed on at least one resource."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	prepareLatencyHistogram, err := meter.Int64Histogram(
		"occtx.txn.prepare.duration",
		metric.WithDescription("Per-resource latency of the prepare phase."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	rollbackRetriesCounter, err := meter.Int64Counter(
		"occtx.txn.rollback.retries_total",
		metric.WithDescription("Total number of rollback retry attempts."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &TxnMetrics{
		TxnsStartedCounter:      txnsStartedCounter,
		TxnsCommittedCounter:    txnsCommittedCounter,
		TxnsAbortedCounter:      txnsAbortedCounter,
		TxnsInvalidCounter:      txnsInvalidCounter,
		PrepareLatencyHistogram: prepareLatencyHistogram,
		RollbackRetriesCounter:  rollbackRetriesCounter,
	}, nil
}
