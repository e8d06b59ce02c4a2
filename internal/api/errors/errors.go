// Пакет errors — ответы с ошибками в едином формате Receipt Module:
// {"error": {"code": "...", "message": "...", "details": ...}}.
// Все HTTP-ответы с ошибками должны идти через WriteError.
package errors

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Коды ошибок, описанные в openapi.yaml.
const (
	CodeValidationError   = "VALIDATION_ERROR"
	CodeNotFound          = "NOT_FOUND"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeForbidden         = "FORBIDDEN"
	CodeAlreadyResolved   = "ALREADY_RESOLVED"
	CodeReceiptPending    = "RECEIPT_PENDING_REVIEW"
	CodePayloadTooLarge   = "PAYLOAD_TOO_LARGE"
	CodeBusy              = "BUSY"
	CodeValidationTimeout = "VALIDATION_TIMEOUT"
	CodeInternalError     = "INTERNAL_ERROR"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// WriteError записывает ответ ошибки. details может быть nil.
func WriteError(w http.ResponseWriter, statusCode int, code, message string, details any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error: errorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// --- Конструкторы для типичных ошибок ---

// ValidationError — 400 некорректные входные данные.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message, nil)
}

// PolicyViolation — 400 файл не прошёл политику; details — результат проверки.
func PolicyViolation(w http.ResponseWriter, message string, details any) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message, details)
}

// NotFound — 404 ресурс не найден.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message, nil)
}

// Unauthorized — 401 требуется аутентификация.
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, message, nil)
}

// Forbidden — 403 недостаточно прав.
func Forbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, CodeForbidden, message, nil)
}

// AlreadyResolved — 409 запись карантина уже разрешена.
func AlreadyResolved(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeAlreadyResolved, message, nil)
}

// ReceiptPending — 409 квитанция платежа ждёт ревью и не может быть заменена.
func ReceiptPending(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeReceiptPending, message, nil)
}

// PayloadTooLarge — 413 тело запроса больше допустимого.
func PayloadTooLarge(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusRequestEntityTooLarge, CodePayloadTooLarge, message, nil)
}

// Busy — 503 нет свободного слота проверки. retryAfter в секундах.
func Busy(w http.ResponseWriter, message string, retryAfter int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	WriteError(w, http.StatusServiceUnavailable, CodeBusy, message, nil)
}

// ValidationTimeout — 503 проверка файла не уложилась в отведённое время.
func ValidationTimeout(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusServiceUnavailable, CodeValidationTimeout, message, nil)
}

// InternalError — 500 внутренняя ошибка.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message, nil)
}
