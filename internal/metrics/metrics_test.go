package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		if got := statusBucket(tt.code); got != tt.want {
			t.Errorf("statusBucket(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	// Gauges always appear; vectors only after first observation.
	body := w.Body.String()
	for _, name := range []string{
		"escrowd_active_websocket_clients",
		"escrowd_vault_balanced",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("Expected metrics output to contain %s", name)
		}
	}

	RecordVault([]VaultSample{{Asset: "native", Vault: 10, Expected: 10}}, true)

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/metrics", nil)
	r.ServeHTTP(w, req)
	if !strings.Contains(w.Body.String(), `escrowd_vault_balance{asset="native"} 10`) {
		t.Error("Expected escrowd_vault_balance for native after recording")
	}
}

func gaugeValue(t *testing.T, g interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	return m.Gauge.GetValue()
}

func TestRecordVault(t *testing.T) {
	RecordVault([]VaultSample{
		{Asset: "test-asset", Vault: 150, Expected: 100, LostFunds: 5},
	}, false)

	if v := gaugeValue(t, VaultBalance.WithLabelValues("test-asset")); v != 150 {
		t.Errorf("Expected vault 150, got %f", v)
	}
	if v := gaugeValue(t, VaultExpected.WithLabelValues("test-asset")); v != 100 {
		t.Errorf("Expected 100, got %f", v)
	}
	if v := gaugeValue(t, LostFunds.WithLabelValues("test-asset")); v != 5 {
		t.Errorf("Expected lost funds 5, got %f", v)
	}
	if v := gaugeValue(t, VaultBalanced); v != 0 {
		t.Errorf("Expected unbalanced flag 0, got %f", v)
	}
}

func TestStartVaultCollector_SamplesUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := make(chan struct{}, 16)
	sampler := func(context.Context) ([]VaultSample, bool, error) {
		calls <- struct{}{}
		return []VaultSample{{Asset: "collector-asset", Vault: 7, Expected: 7}}, true, nil
	}

	done := make(chan struct{})
	go func() {
		StartVaultCollector(ctx, sampler, 5*time.Millisecond)
		close(done)
	}()

	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("sampler was never called")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("collector did not stop after cancel")
	}

	if v := gaugeValue(t, VaultBalance.WithLabelValues("collector-asset")); v != 7 {
		t.Errorf("Expected 7, got %f", v)
	}
}

func TestMiddleware_RecordsMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/test", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/test", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	m := &dto.Metric{}
	_ = HTTPRequestsTotal.WithLabelValues("GET", "/test", "2xx").Write(m)
	if m.Counter.GetValue() < 1 {
		t.Errorf("Expected request counted, got %f", m.Counter.GetValue())
	}
}
