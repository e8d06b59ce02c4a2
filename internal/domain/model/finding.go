// Пакет model — доменные модели Receipt Module.
package model

// FindingKind — вид нарушения политики.
type FindingKind string

const (
	FindingForbiddenType      FindingKind = "forbidden_type"
	FindingOversized          FindingKind = "oversized"
	FindingUndersized         FindingKind = "undersized"
	FindingExtensionMismatch  FindingKind = "extension_mismatch"
	FindingMagicMismatch      FindingKind = "magic_mismatch"
	FindingMaliciousContent   FindingKind = "malicious_content"
	FindingSuspiciousFilename FindingKind = "suspicious_filename"
	FindingDuplicate          FindingKind = "duplicate"
	FindingMalware            FindingKind = "malware"
)

// Finding — одно обнаруженное нарушение с весом риска.
type Finding struct {
	Kind    FindingKind `json:"kind"`
	Weight  int         `json:"weight"`
	Message string      `json:"message"`
	// Rule — имя сработавшего правила (для шаблонов содержимого)
	Rule string `json:"rule,omitempty"`
	// HardFail — файл отклоняется независимо от оценки
	HardFail bool `json:"hard_fail,omitempty"`
	// Informational — предупреждение, не делает файл невалидным
	Informational bool `json:"informational,omitempty"`
}

// RiskLevel — порядковый уровень риска.
type RiskLevel string

const (
	RiskMinimal RiskLevel = "MINIMAL"
	RiskLow     RiskLevel = "LOW"
	RiskMedium  RiskLevel = "MEDIUM"
	RiskHigh    RiskLevel = "HIGH"
)

var riskRank = map[RiskLevel]int{
	RiskMinimal: 0,
	RiskLow:     1,
	RiskMedium:  2,
	RiskHigh:    3,
}

// Rank возвращает порядковый номер уровня (-1 для неизвестного).
func (l RiskLevel) Rank() int {
	r, ok := riskRank[l]
	if !ok {
		return -1
	}
	return r
}

// AtLeast сообщает, не ниже ли уровень other.
func (l RiskLevel) AtLeast(other RiskLevel) bool {
	return l.Rank() >= other.Rank()
}

// IsValid проверяет, что уровень известен.
func (l RiskLevel) IsValid() bool {
	_, ok := riskRank[l]
	return ok
}

// RiskAssessment — итоговая оценка риска файла.
type RiskAssessment struct {
	Score int       `json:"score"`
	Level RiskLevel `json:"level"`
}
