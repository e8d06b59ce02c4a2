package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health/live", "/health/live"},
		{"/api/v1/pagos", "/api/v1/pagos"},
		{"/api/v1/pagos/", "/api/v1/pagos/{pago_id}"},
		{"/api/v1/pagos/7f1c2a44-5d1e-4f7a-9c83-3b7e1d2c9a10", "/api/v1/pagos/{pago_id}"},
		{"/api/v1/pagos/7f1c2a44-5d1e-4f7a-9c83-3b7e1d2c9a10/comprobante", "/api/v1/pagos/{pago_id}/comprobante"},
		{"/api/v1/quarantine/stats", "/api/v1/quarantine/stats"},
		{"/api/v1/quarantine/0b7c11aa-2b1d-4e0c-8a55-1f0e3d9c6b21/approve", "/api/v1/quarantine/{record_id}/approve"},
		{"/api/v1/files/validate", "/api/v1/files/validate"},
		{"/api/v1/maintenance/quarantine-sweep", "/api/v1/maintenance/quarantine-sweep"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := normalizePath(tt.path); got != tt.want {
				t.Errorf("normalizePath(%q) = %q, ожидается %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestMetricsMiddleware_CountsStatus(t *testing.T) {
	handler := MetricsMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	counter := httpRequestsTotal.WithLabelValues(http.MethodPost, "/api/v1/pagos/{pago_id}/comprobante", "202")
	before := testutil.ToFloat64(counter)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/pagos/abc/comprobante", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if got := testutil.ToFloat64(counter); got != before+1 {
		t.Errorf("счётчик = %v, ожидается %v", got, before+1)
	}
}
