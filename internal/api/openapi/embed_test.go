package openapi

import "testing"

func TestLoad(t *testing.T) {
	doc, err := Load()
	if err != nil {
		t.Fatalf("Load() ошибка: %v", err)
	}

	for _, path := range []string{
		"/health/live",
		"/api/v1/pagos",
		"/api/v1/pagos/{pago_id}/comprobante",
		"/api/v1/files/validate",
		"/api/v1/quarantine/{record_id}/reject",
		"/api/v1/maintenance/quarantine-sweep",
	} {
		if doc.Paths.Find(path) == nil {
			t.Errorf("в контракте нет пути %s", path)
		}
	}

	if len(Raw()) == 0 {
		t.Error("Raw() вернул пустой контракт")
	}
}
