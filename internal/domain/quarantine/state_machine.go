// Пакет quarantine — конечный автомат жизненного цикла записи карантина.
//
// pending_review → approved | rejected | expired; все три состояния конечные.
// Автомат не хранит состояния: источник истины — запись в БД,
// а переход в PostgreSQL дополнительно защищён условием status = 'pending_review'.
package quarantine

import (
	"fmt"

	"github.com/scoutledger/receipt-module/internal/domain/model"
)

// Коды ошибок перехода.
const (
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeAlreadyResolved   = "ALREADY_RESOLVED"
)

// validTransitions — матрица допустимых переходов.
var validTransitions = map[model.QuarantineStatus]map[model.QuarantineStatus]bool{
	model.QuarantinePending: {
		model.QuarantineApproved: true,
		model.QuarantineRejected: true,
		model.QuarantineExpired:  true,
	},
	model.QuarantineApproved: {},
	model.QuarantineRejected: {},
	model.QuarantineExpired:  {},
}

// TransitionError — ошибка перехода между состояниями.
type TransitionError struct {
	Code    string // INVALID_TRANSITION, ALREADY_RESOLVED
	Message string
	From    model.QuarantineStatus
	To      model.QuarantineStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CanTransition проверяет, допустим ли переход.
func CanTransition(from, to model.QuarantineStatus) bool {
	return validTransitions[from][to]
}

// IsTerminal сообщает, что из состояния нет переходов.
func IsTerminal(s model.QuarantineStatus) bool {
	next, ok := validTransitions[s]
	return ok && len(next) == 0
}

// Transition проверяет переход from → to.
// Для уже разрешённой записи возвращает ALREADY_RESOLVED,
// для прочих недопустимых переходов — INVALID_TRANSITION.
func Transition(from, to model.QuarantineStatus) error {
	if !isValidStatus(from) || !isValidStatus(to) {
		return &TransitionError{
			Code:    CodeInvalidTransition,
			Message: fmt.Sprintf("неизвестное состояние: %q → %q", from, to),
			From:    from,
			To:      to,
		}
	}
	if CanTransition(from, to) {
		return nil
	}
	if IsTerminal(from) {
		return &TransitionError{
			Code:    CodeAlreadyResolved,
			Message: fmt.Sprintf("запись уже в конечном состоянии %s", from),
			From:    from,
			To:      to,
		}
	}
	return &TransitionError{
		Code:    CodeInvalidTransition,
		Message: fmt.Sprintf("переход %s → %s недопустим", from, to),
		From:    from,
		To:      to,
	}
}

func isValidStatus(s model.QuarantineStatus) bool {
	_, ok := validTransitions[s]
	return ok
}

// ParseStatus преобразует строку в QuarantineStatus.
func ParseStatus(s string) (model.QuarantineStatus, error) {
	st := model.QuarantineStatus(s)
	if !isValidStatus(st) {
		return "", fmt.Errorf("недопустимое состояние: %q, допустимые: pending_review, approved, rejected, expired", s)
	}
	return st, nil
}
