// handler.go — основной обработчик API: объединяет доменные обработчики
// и переводит ошибки сервисного слоя в HTTP-ответы.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"
	openapi_types "github.com/oapi-codegen/runtime/types"

	apierrors "github.com/scoutledger/receipt-module/internal/api/errors"
	"github.com/scoutledger/receipt-module/internal/filesecurity"
	"github.com/scoutledger/receipt-module/internal/service"
)

// Options — параметры APIHandler, не относящиеся к сервисам.
type Options struct {
	// MaxUploadSize — потолок тела multipart-запроса
	MaxUploadSize int64
	// RetryAfter — подсказка клиенту при 503 BUSY
	RetryAfter time.Duration
}

// APIHandler — обработчик API Receipt Module.
type APIHandler struct {
	health   *HealthHandler
	payments *service.PaymentService
	intake   *service.IntakeService
	review   *service.ReviewService
	sweep    *service.SweepService
	opts     Options
	logger   *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
func NewAPIHandler(
	health *HealthHandler,
	payments *service.PaymentService,
	intake *service.IntakeService,
	review *service.ReviewService,
	sweep *service.SweepService,
	opts Options,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		health:   health,
		payments: payments,
		intake:   intake,
		review:   review,
		sweep:    sweep,
		opts:     opts,
		logger:   logger.With(slog.String("component", "api_handler")),
	}
}

// HealthLive — liveness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthLive(w http.ResponseWriter, r *http.Request) {
	h.health.HealthLive(w, r)
}

// HealthReady — readiness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	h.health.HealthReady(w, r)
}

// GetMetrics — Prometheus метрики (делегируется в HealthHandler).
func (h *APIHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.health.GetMetrics(w, r)
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeServiceError переводит ошибку сервиса в ответ.
func (h *APIHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var pe *service.PolicyError
	switch {
	case errors.As(err, &pe):
		apierrors.PolicyViolation(w, policyMessage(pe.Decision), pe.Result)
	case errors.Is(err, service.ErrValidation):
		apierrors.ValidationError(w, validationText(err))
	case errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w, "Recurso no encontrado")
	case errors.Is(err, service.ErrAlreadyResolved):
		apierrors.AlreadyResolved(w, "El registro de cuarentena ya fue resuelto")
	case errors.Is(err, service.ErrReceiptPending):
		apierrors.ReceiptPending(w, "El comprobante actual está en revisión y no puede reemplazarse")
	case errors.Is(err, service.ErrBusy):
		apierrors.Busy(w, "Demasiadas validaciones en curso, intente más tarde", retryAfterSeconds(h.opts.RetryAfter))
	case errors.Is(err, service.ErrValidationTimeout):
		apierrors.ValidationTimeout(w, "La validación del archivo excedió el tiempo permitido")
	default:
		h.logger.Error("Ошибка обработки запроса",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Error interno del servidor")
	}
}

func policyMessage(d filesecurity.Decision) string {
	if d == filesecurity.DecisionBlock {
		return "El archivo fue bloqueado por riesgo alto"
	}
	return "El archivo no cumple la política de seguridad"
}

// validationText — пояснение из ошибки валидации без служебного префикса.
func validationText(err error) string {
	_, text, ok := strings.Cut(err.Error(), service.ErrValidation.Error()+": ")
	if !ok {
		return "Datos inválidos"
	}
	return text
}

func retryAfterSeconds(d time.Duration) int {
	return max(1, int(math.Ceil(d.Seconds())))
}

// bindUUIDParam читает path-параметр name как UUID.
// При ошибке ответ уже записан.
func bindUUIDParam(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	var id openapi_types.UUID
	err := runtime.BindStyledParameterWithOptions("simple", name, chi.URLParam(r, name), &id,
		runtime.BindStyledParameterOptions{
			ParamLocation: runtime.ParamLocationPath,
			Explode:       false,
			Required:      true,
		})
	if err != nil {
		apierrors.ValidationError(w, "Parámetro "+name+" inválido: se espera un UUID")
		return "", false
	}
	return id.String(), true
}

// bindPagination читает limit и offset. По умолчанию 100 и 0.
func bindPagination(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	var l, o *int
	q := r.URL.Query()
	if err := runtime.BindQueryParameter("form", true, false, "limit", q, &l); err != nil {
		apierrors.ValidationError(w, "Parámetro limit inválido")
		return 0, 0, false
	}
	if err := runtime.BindQueryParameter("form", true, false, "offset", q, &o); err != nil {
		apierrors.ValidationError(w, "Parámetro offset inválido")
		return 0, 0, false
	}
	limit, offset = paginationDefaults(l, o)
	return limit, offset, true
}

// bindOptionalString читает необязательный query-параметр.
func bindOptionalString(w http.ResponseWriter, r *http.Request, name string) (*string, bool) {
	var v *string
	if err := runtime.BindQueryParameter("form", true, false, name, r.URL.Query(), &v); err != nil {
		apierrors.ValidationError(w, "Parámetro "+name+" inválido")
		return nil, false
	}
	return v, true
}

// paginationDefaults нормализует параметры пагинации.
func paginationDefaults(limit, offset *int) (int, int) {
	l, o := 100, 0
	if limit != nil {
		l = min(max(*limit, 1), 1000)
	}
	if offset != nil {
		o = max(*offset, 0)
	}
	return l, o
}

// listResponse — страница списка.
type listResponse[T any] struct {
	Items   []T  `json:"items"`
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

func newListResponse[T any](items []T, total, limit, offset int) listResponse[T] {
	return listResponse[T]{
		Items:   items,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+len(items) < total,
	}
}
