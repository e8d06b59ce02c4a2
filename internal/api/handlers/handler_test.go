package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/scoutledger/receipt-module/internal/domain/model"
	"github.com/scoutledger/receipt-module/internal/filesecurity"
	"github.com/scoutledger/receipt-module/internal/service"
)

func TestWriteServiceError(t *testing.T) {
	h := &APIHandler{
		opts:   Options{RetryAfter: 2500 * time.Millisecond},
		logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	}

	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"политика", &service.PolicyError{Decision: filesecurity.DecisionReject}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"валидация", fmt.Errorf("%w: moneda inválida", service.ErrValidation), http.StatusBadRequest, "VALIDATION_ERROR"},
		{"не найдено", service.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{"уже разрешена", fmt.Errorf("%w: approved", service.ErrAlreadyResolved), http.StatusConflict, "ALREADY_RESOLVED"},
		{"квитанция на проверке", service.ErrReceiptPending, http.StatusConflict, "RECEIPT_PENDING_REVIEW"},
		{"перегрузка", service.ErrBusy, http.StatusServiceUnavailable, "BUSY"},
		{"таймаут", service.ErrValidationTimeout, http.StatusServiceUnavailable, "VALIDATION_TIMEOUT"},
		{"прочее", errors.New("сбой диска"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.writeServiceError(rec, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)

			if rec.Code != tt.status {
				t.Errorf("статус = %d, ожидается %d", rec.Code, tt.status)
			}
			var body struct {
				Error struct {
					Code    string `json:"code"`
					Message string `json:"message"`
				} `json:"error"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("ответ не JSON: %v", err)
			}
			if body.Error.Code != tt.code {
				t.Errorf("code = %q, ожидается %q", body.Error.Code, tt.code)
			}
		})
	}
}

func TestWriteServiceError_BusyRetryAfter(t *testing.T) {
	h := &APIHandler{opts: Options{RetryAfter: 2500 * time.Millisecond}}
	rec := httptest.NewRecorder()
	h.writeServiceError(rec, httptest.NewRequest(http.MethodPost, "/", nil), service.ErrBusy)

	if got := rec.Header().Get("Retry-After"); got != "3" {
		t.Errorf("Retry-After = %q, ожидается 3", got)
	}
}

func TestValidationText(t *testing.T) {
	err := fmt.Errorf("%w: %s", service.ErrValidation, "el monto debe ser positivo")
	if got := validationText(err); got != "el monto debe ser positivo" {
		t.Errorf("validationText() = %q", got)
	}
	if got := validationText(service.ErrValidation); got != "Datos inválidos" {
		t.Errorf("validationText() без пояснения = %q", got)
	}
}

func TestPaginationDefaults(t *testing.T) {
	ptr := func(n int) *int { return &n }

	tests := []struct {
		name          string
		limit, offset *int
		wantL, wantO  int
	}{
		{"по умолчанию", nil, nil, 100, 0},
		{"в пределах", ptr(20), ptr(40), 20, 40},
		{"limit сверху", ptr(5000), nil, 1000, 0},
		{"limit снизу", ptr(0), nil, 1, 0},
		{"отрицательный offset", nil, ptr(-3), 100, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, o := paginationDefaults(tt.limit, tt.offset)
			if l != tt.wantL || o != tt.wantO {
				t.Errorf("paginationDefaults() = (%d, %d), ожидается (%d, %d)", l, o, tt.wantL, tt.wantO)
			}
		})
	}
}

func TestParsePaidAt(t *testing.T) {
	if d, ok := parsePaidAt("2026-03-01"); !ok || d.Day() != 1 || d.Month() != time.March {
		t.Errorf("parsePaidAt(дата) = %v, %v", d, ok)
	}
	if _, ok := parsePaidAt("2026-03-01T10:00:00-03:00"); !ok {
		t.Error("RFC 3339 должен приниматься")
	}
	if _, ok := parsePaidAt("01/03/2026"); ok {
		t.Error("чужой формат должен отклоняться")
	}
}

func TestToQuarantineDTO_ComputedFields(t *testing.T) {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	rec := &model.QuarantineRecord{
		ID:             "rec-1",
		Status:         model.QuarantinePending,
		QuarantinedAt:  now.Add(-48 * time.Hour),
		ExpirationDate: now.Add(5 * 24 * time.Hour),
	}

	dto := toQuarantineDTO(rec, now)
	if dto.TimeInQuarantineSeconds != int64((48 * time.Hour).Seconds()) {
		t.Errorf("time_in_quarantine_seconds = %d", dto.TimeInQuarantineSeconds)
	}
	if dto.DaysUntilExpiration != 5 {
		t.Errorf("days_until_expiration = %d, ожидается 5", dto.DaysUntilExpiration)
	}
	if dto.IsExpired {
		t.Error("запись не должна считаться истёкшей")
	}
	if dto.Errors == nil || dto.Warnings == nil {
		t.Error("errors и warnings должны сериализоваться как пустые массивы")
	}
}

func TestHealthReady_Statuses(t *testing.T) {
	tests := []struct {
		name       string
		pg, kc     ReadinessChecker
		wantStatus int
		want       string
	}{
		{"всё доступно", fakeChecker("ok"), fakeChecker("ok"), http.StatusOK, "ok"},
		{"keycloak деградирован", fakeChecker("ok"), fakeChecker("degraded"), http.StatusOK, "degraded"},
		{"postgres недоступен", fakeChecker("fail"), fakeChecker("ok"), http.StatusServiceUnavailable, "fail"},
		{"checker не задан", nil, fakeChecker("ok"), http.StatusServiceUnavailable, "fail"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			NewHealthHandler(tt.pg, tt.kc).HealthReady(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

			if rec.Code != tt.wantStatus {
				t.Errorf("статус = %d, ожидается %d", rec.Code, tt.wantStatus)
			}
			var body healthReadyResponse
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if body.Status != tt.want {
				t.Errorf("status = %q, ожидается %q", body.Status, tt.want)
			}
		})
	}
}

type fakeChecker string

func (f fakeChecker) CheckReady() (string, string) { return string(f), "" }
