package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/scoutledger/receipt-module/internal/api/openapi"
)

func newTestValidator(t *testing.T) *RequestValidator {
	t.Helper()
	doc, err := openapi.Load()
	if err != nil {
		t.Fatalf("openapi.Load() ошибка: %v", err)
	}
	v, err := NewRequestValidator(doc, testLogger())
	if err != nil {
		t.Fatalf("NewRequestValidator() ошибка: %v", err)
	}
	return v
}

func TestRequestValidator(t *testing.T) {
	v := newTestValidator(t)
	const recordPath = "/api/v1/quarantine/0b7c11aa-2b1d-4e0c-8a55-1f0e3d9c6b21"

	tests := []struct {
		name        string
		method      string
		target      string
		contentType string
		body        string
		wantPass    bool
	}{
		{"список без параметров", http.MethodGet, "/api/v1/pagos", "", "", true},
		{"limit в диапазоне", http.MethodGet, "/api/v1/pagos?limit=50&offset=10", "", "", true},
		{"limit больше максимума", http.MethodGet, "/api/v1/pagos?limit=5000", "", "", false},
		{"limit не число", http.MethodGet, "/api/v1/quarantine?limit=muchos", "", "", false},
		{"отрицательный offset", http.MethodGet, "/api/v1/quarantine?offset=-1", "", "", false},
		{"неизвестный статус карантина", http.MethodGet, "/api/v1/quarantine?status=borrado", "", "", false},
		{"известный уровень риска", http.MethodGet, "/api/v1/quarantine?risk_level=HIGH", "", "", true},
		{"approve без тела", http.MethodPost, recordPath + "/approve", "", "", true},
		{"reject с причиной", http.MethodPost, recordPath + "/reject", "application/json", `{"reason":"firma falsa"}`, true},
		{"reject без тела", http.MethodPost, recordPath + "/reject", "application/json", "", false},
		{"reject без причины", http.MethodPost, recordPath + "/reject", "application/json", `{"notes":"x"}`, false},
		{"multipart не проверяется", http.MethodPost, "/api/v1/files/validate", "multipart/form-data; boundary=xyz", "--xyz--\r\n", true},
		{"путь вне контракта", http.MethodGet, "/api/v1/desconocido", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reached := false
			handler := v.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				reached = true
				w.WriteHeader(http.StatusOK)
			}))

			var body *bytes.Reader
			if tt.body != "" {
				body = bytes.NewReader([]byte(tt.body))
			} else {
				body = bytes.NewReader(nil)
			}
			req := httptest.NewRequest(tt.method, tt.target, body)
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if reached != tt.wantPass {
				t.Fatalf("обработчик вызван = %v, ожидается %v (статус %d, тело %s)", reached, tt.wantPass, rec.Code, rec.Body.String())
			}
			if !tt.wantPass {
				if rec.Code != http.StatusBadRequest {
					t.Errorf("статус = %d, ожидается 400", rec.Code)
				}
				var resp map[string]any
				if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
					t.Fatalf("тело ошибки не JSON: %v", err)
				}
				errObj, _ := resp["error"].(map[string]any)
				if errObj["code"] != "VALIDATION_ERROR" {
					t.Errorf("code = %v, ожидается VALIDATION_ERROR", errObj["code"])
				}
			}
		})
	}
}

// TestRequestValidator_BodyPreserved — после проверки JSON-тело доступно обработчику.
func TestRequestValidator_BodyPreserved(t *testing.T) {
	v := newTestValidator(t)

	var got map[string]string
	handler := v.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("тело не читается после проверки: %v", err)
		}
	}))

	req := httptest.NewRequest(http.MethodPost,
		"/api/v1/quarantine/0b7c11aa-2b1d-4e0c-8a55-1f0e3d9c6b21/reject",
		strings.NewReader(`{"reason":"duplicado","notes":"ya pagado"}`))
	req.Header.Set("Content-Type", "application/json")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if got["reason"] != "duplicado" || got["notes"] != "ya pagado" {
		t.Errorf("тело = %v", got)
	}
}
