package escrow

import (
	"math/big"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	c, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	m := &dto.Metric{}
	_ = c.Write(m)
	return m.Counter.GetValue()
}

func counterTotal(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	return m.Counter.GetValue()
}

func TestObserveOp_IncrementsCounter(t *testing.T) {
	ledgerOpsTotal.Reset()

	done := observeOp("test_op")
	done()

	if v := counterValue(t, ledgerOpsTotal, "test_op"); v != 1.0 {
		t.Errorf("expected counter value 1, got %f", v)
	}
}

func TestObserveOp_ObservesHistogram(t *testing.T) {
	ledgerOpDuration.Reset()

	done := observeOp("hist_test")
	done()

	ch := make(chan prometheus.Metric, 10)
	ledgerOpDuration.Collect(ch)
	close(ch)

	found := false
	for metric := range ch {
		m := &dto.Metric{}
		_ = metric.Write(m)
		if m.Histogram != nil && m.Histogram.GetSampleCount() == 1 {
			found = true
		}
	}
	if !found {
		t.Error("expected histogram with 1 sample")
	}
}

func TestLedgerOps_CountedPerOperation(t *testing.T) {
	ledgerOpsTotal.Reset()
	paymentsTotal.Reset()
	h := newHarness(t)

	tx := h.create(native, 1000)
	if _, err := h.ledger.Pay(h.ctx, payerAddr, tx.ID, big.NewInt(400)); err != nil {
		t.Fatalf("Pay failed: %v", err)
	}

	if v := counterValue(t, ledgerOpsTotal, "create"); v != 1 {
		t.Errorf("expected 1 create op, got %f", v)
	}
	if v := counterValue(t, ledgerOpsTotal, "pay"); v != 1 {
		t.Errorf("expected 1 pay op, got %f", v)
	}
	if v := counterValue(t, paymentsTotal, "pay"); v != 1 {
		t.Errorf("expected 1 pay payment, got %f", v)
	}
}

func TestMetrics_Registered(t *testing.T) {
	// Vectors only appear after a first observation.
	observeOp("registered")()

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}

	for _, name := range []string{
		"escrowd_ledger_operations_total",
		"escrowd_ledger_operation_duration_seconds",
		"escrowd_transactions_created_total",
	} {
		if !names[name] {
			t.Errorf("expected %s to be registered", name)
		}
	}
}
