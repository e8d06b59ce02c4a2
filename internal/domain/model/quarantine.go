package model

import (
	"math"
	"time"
)

// QuarantineStatus — состояние записи карантина.
type QuarantineStatus string

const (
	QuarantinePending  QuarantineStatus = "pending_review"
	QuarantineApproved QuarantineStatus = "approved"
	QuarantineRejected QuarantineStatus = "rejected"
	QuarantineExpired  QuarantineStatus = "expired"
)

// Действия processingInfo.
const (
	ActionApproved     = "approved"
	ActionRejected     = "rejected"
	ActionExpired      = "expired"
	ActionAutoRejected = "auto_rejected"
)

// SystemActor — исполнитель автоматических переходов.
const SystemActor = "system"

// Типы связанных записей.
const RelatedPayment = "payment"

// SecurityContext — кто и откуда загрузил файл.
type SecurityContext struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// QuarantinePaths — расположение артефактов в каталоге карантина.
type QuarantinePaths struct {
	Directory    string `json:"directory"`
	OriginalFile string `json:"original_file"`
	MetadataFile string `json:"metadata_file"`
	LogFile      string `json:"log_file"`
}

// ProcessingInfo — кто, когда и почему разрешил запись.
type ProcessingInfo struct {
	ProcessedBy string    `json:"processed_by"`
	ProcessedAt time.Time `json:"processed_at"`
	Action      string    `json:"action"`
	Reason      string    `json:"reason,omitempty"`
	Notes       string    `json:"notes,omitempty"`
}

// ApprovalInfo — куда попал одобренный файл.
type ApprovalInfo struct {
	// FinalPath — относительный путь в постоянном хранилище
	FinalPath            string `json:"final_path"`
	IntegratedIntoSystem bool   `json:"integrated_into_system"`
	LinkedRecordID       string `json:"linked_record_id,omitempty"`
	LinkedRecordType     string `json:"linked_record_type,omitempty"`
}

// QuarantineRecord — запись о файле, задержанном для ручной проверки
// (или заблокированном сразу, в статусе rejected).
type QuarantineRecord struct {
	ID                string
	OriginalFilename  string
	SanitizedFilename string
	MimeType          string
	Size              int64
	// ContentHash — SHA-256 содержимого (hex)
	ContentHash string
	RiskLevel   RiskLevel
	RiskScore   int
	Errors      []string
	Warnings    []string
	Status      QuarantineStatus

	QuarantinedAt  time.Time
	ExpirationDate time.Time

	Security   SecurityContext
	Paths      QuarantinePaths
	Processing *ProcessingInfo
	Approval   *ApprovalInfo

	RelatedRecordID   *string
	RelatedRecordType *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TimeInQuarantine — сколько запись находится в карантине.
// Для разрешённых записей отсчёт останавливается в момент разрешения.
func (r *QuarantineRecord) TimeInQuarantine(now time.Time) time.Duration {
	end := now
	if r.Processing != nil && !r.Processing.ProcessedAt.IsZero() {
		end = r.Processing.ProcessedAt
	}
	if end.Before(r.QuarantinedAt) {
		return 0
	}
	return end.Sub(r.QuarantinedAt)
}

// DaysUntilExpiration — целых суток до истечения (округление вверх, не меньше 0).
// Для записей не в pending_review всегда 0.
func (r *QuarantineRecord) DaysUntilExpiration(now time.Time) int {
	if r.Status != QuarantinePending {
		return 0
	}
	left := r.ExpirationDate.Sub(now)
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(left.Hours() / 24))
}

// IsExpired — запись ждёт ревью, но срок уже прошёл.
func (r *QuarantineRecord) IsExpired(now time.Time) bool {
	return r.Status == QuarantinePending && now.After(r.ExpirationDate)
}

// RiskInfo — представление оценки риска для ревьюера.
type RiskInfo struct {
	Level       RiskLevel `json:"level"`
	Score       int       `json:"score"`
	Description string    `json:"description"`
}

var riskDescriptions = map[RiskLevel]string{
	RiskMinimal: "Riesgo mínimo",
	RiskLow:     "Riesgo bajo",
	RiskMedium:  "Riesgo medio: requiere revisión manual",
	RiskHigh:    "Riesgo alto: archivo bloqueado",
}

// RiskInfo возвращает уровень, оценку и описание риска.
func (r *QuarantineRecord) RiskInfo() RiskInfo {
	return RiskInfo{
		Level:       r.RiskLevel,
		Score:       r.RiskScore,
		Description: riskDescriptions[r.RiskLevel],
	}
}
