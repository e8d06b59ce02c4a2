package filesecurity

import (
	"math"

	"github.com/scoutledger/receipt-module/internal/config"
	"github.com/scoutledger/receipt-module/internal/domain/model"
)

// Score вычисляет оценку риска:
// clamp(round(сумма весов × множитель типа), 0, 100).
// Отрицательные веса запрещены config.Validate, поэтому оценка монотонна
// по набору находок.
func Score(policy *config.FileSecurity, findings []model.Finding, mimeType string) model.RiskAssessment {
	sum := 0
	for _, f := range findings {
		sum += f.Weight
	}

	raw := math.Round(float64(sum) * policy.TypeFactor(mimeType))
	score := int(math.Max(0, math.Min(100, raw)))

	return model.RiskAssessment{
		Score: score,
		Level: LevelFor(policy.Thresholds, score),
	}
}

// LevelFor переводит оценку в уровень. Нижние границы включительно.
func LevelFor(th config.RiskThresholds, score int) model.RiskLevel {
	switch {
	case score >= th.High:
		return model.RiskHigh
	case score >= th.Medium:
		return model.RiskMedium
	case score >= th.Low:
		return model.RiskLow
	default:
		return model.RiskMinimal
	}
}
