// errors.go — ошибки бизнес-логики сервисного слоя.
package service

import (
	"errors"
	"fmt"

	"github.com/scoutledger/receipt-module/internal/filesecurity"
)

var (
	// ErrNotFound — ресурс не найден.
	ErrNotFound = errors.New("ресурс не найден")
	// ErrValidation — ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")
	// ErrAlreadyResolved — запись карантина уже разрешена.
	ErrAlreadyResolved = errors.New("запись карантина уже разрешена")
	// ErrReceiptPending — квитанция платежа ожидает ревью и не может быть заменена.
	ErrReceiptPending = errors.New("квитанция ожидает проверки")
	// ErrBusy — не получен слот проверки файла.
	ErrBusy = errors.New("сервис проверки файлов перегружен")
	// ErrValidationTimeout — проверка файла не уложилась в отведённое время.
	ErrValidationTimeout = errors.New("превышено время проверки файла")
	// ErrPolicyViolation — файл отклонён политикой безопасности.
	ErrPolicyViolation = errors.New("файл отклонён политикой безопасности")
)

// PolicyError — отказ политики с результатом проверки для клиента.
type PolicyError struct {
	Decision filesecurity.Decision
	Result   filesecurity.Result
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("%s: решение %s, риск %s (%d)",
		ErrPolicyViolation, e.Decision, e.Result.RiskLevel, e.Result.RiskScore)
}

// Unwrap позволяет проверять ошибку через errors.Is(err, ErrPolicyViolation).
func (e *PolicyError) Unwrap() error { return ErrPolicyViolation }

// validationError оборачивает ErrValidation с пояснением.
func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
