package filesecurity

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/scoutledger/receipt-module/internal/config"
	"github.com/scoutledger/receipt-module/internal/domain/model"
)

// Decision — решение по загруженному файлу.
type Decision string

const (
	// DecisionAccept — файл принимается в постоянное хранилище.
	DecisionAccept Decision = "accept"
	// DecisionQuarantine — файл задерживается до ручной проверки.
	DecisionQuarantine Decision = "quarantine"
	// DecisionReject — нарушение политики, файл отбрасывается без записи.
	DecisionReject Decision = "reject"
	// DecisionBlock — высокий риск, файл отбрасывается, остаётся запись аудита.
	DecisionBlock Decision = "block"
)

// evaluationsTotal — решения валидатора по уровням риска.
var evaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "rm_file_evaluations_total",
	Help: "Количество проверенных файлов по решению и уровню риска",
}, []string{"decision", "risk_level"})

// Candidate — загруженный файл на проверке (UploadCandidate).
type Candidate struct {
	Filename string
	MimeType string
	Size     int64
	// Prefix — первые байты содержимого (не больше ScanPrefixSize)
	Prefix []byte
	// DuplicateOf — идентификатор уже известного файла с тем же хэшем
	DuplicateOf string
	// Open открывает полное содержимое для антивируса; nil — антивирус пропускается
	Open func() (io.ReadCloser, error)
}

// Evaluation — итог проверки одного файла.
type Evaluation struct {
	MimeType   string
	Findings   []model.Finding
	Assessment model.RiskAssessment
}

// Result — ответ проверки для вызывающего кода и клиента.
type Result struct {
	IsValid      bool            `json:"isValid"`
	Errors       []string        `json:"errors"`
	Warnings     []string        `json:"warnings"`
	RiskLevel    model.RiskLevel `json:"riskLevel"`
	RiskScore    int             `json:"riskScore"`
	Quarantined  bool            `json:"quarantined"`
	QuarantineID string          `json:"quarantineId,omitempty"`
}

// Validator выполняет конвейер: классификатор → сигнатуры и содержимое →
// антивирус (если настроен) → оценка риска.
type Validator struct {
	policy    *config.FileSecurity
	signature *SignatureChecker
	scanner   MalwareScanner
	logger    *slog.Logger
}

// NewValidator создаёт валидатор. scanner может быть nil.
func NewValidator(policy *config.FileSecurity, scanner MalwareScanner, logger *slog.Logger) (*Validator, error) {
	sc, err := NewSignatureChecker(policy)
	if err != nil {
		return nil, err
	}
	return &Validator{
		policy:    policy,
		signature: sc,
		scanner:   scanner,
		logger:    logger.With(slog.String("component", "validator")),
	}, nil
}

// Policy возвращает действующую политику.
func (v *Validator) Policy() *config.FileSecurity {
	return v.policy
}

// Evaluate проверяет файл. Находки накапливаются, проверки не прерываются
// на первом нарушении.
func (v *Validator) Evaluate(ctx context.Context, c Candidate) *Evaluation {
	mt := config.NormalizeMIME(c.MimeType)

	var findings []model.Finding
	findings = append(findings, Classify(v.policy, mt, c.Filename, c.Size)...)
	findings = append(findings, v.signature.Check(mt, c.Filename, c.Prefix)...)

	if c.DuplicateOf != "" {
		findings = append(findings, model.Finding{
			Kind:          model.FindingDuplicate,
			Weight:        v.policy.Weights.Duplicate,
			Message:       "ya existe un comprobante con el mismo contenido",
			Informational: true,
		})
	}

	if f := v.scanMalware(ctx, c); f != nil {
		findings = append(findings, *f)
	}

	ev := &Evaluation{
		MimeType:   mt,
		Findings:   findings,
		Assessment: Score(v.policy, findings, mt),
	}

	evaluationsTotal.WithLabelValues(string(ev.Decision()), string(ev.Assessment.Level)).Inc()
	v.logger.Debug("Файл проверен",
		slog.String("filename", c.Filename),
		slog.String("mime_type", mt),
		slog.Int64("size", c.Size),
		slog.Int("findings", len(findings)),
		slog.Int("risk_score", ev.Assessment.Score),
		slog.String("risk_level", string(ev.Assessment.Level)),
	)

	return ev
}

// scanMalware — ошибка антивируса не блокирует загрузку,
// детерминированные проверки остаются основным решением.
func (v *Validator) scanMalware(ctx context.Context, c Candidate) *model.Finding {
	if v.scanner == nil || c.Open == nil {
		return nil
	}

	rc, err := c.Open()
	if err != nil {
		v.logger.Warn("Антивирус: не удалось открыть файл",
			slog.String("filename", c.Filename),
			slog.String("error", err.Error()),
		)
		return nil
	}
	defer rc.Close()

	verdict, err := v.scanner.Scan(ctx, rc)
	if err != nil {
		v.logger.Warn("Антивирус недоступен, проверка пропущена",
			slog.String("filename", c.Filename),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if !verdict.Infected {
		return nil
	}

	v.logger.Warn("Антивирус обнаружил вредоносное содержимое",
		slog.String("filename", c.Filename),
		slog.String("signature", verdict.Signature),
	)
	return &model.Finding{
		Kind:     model.FindingMalware,
		Weight:   v.policy.Weights.Malware,
		Message:  fmt.Sprintf("el antivirus detectó contenido malicioso: %s", verdict.Signature),
		Rule:     verdict.Signature,
		HardFail: true,
	}
}

// Decision выводит решение из уровня риска и находок.
//
// Порядок: HIGH → block; жёсткое нарушение → reject; MEDIUM → quarantine;
// любое не-информационное нарушение → reject; иначе accept.
func (e *Evaluation) Decision() Decision {
	if e.Assessment.Level == model.RiskHigh {
		return DecisionBlock
	}
	for _, f := range e.Findings {
		if f.HardFail {
			return DecisionReject
		}
	}
	if e.Assessment.Level == model.RiskMedium {
		return DecisionQuarantine
	}
	for _, f := range e.Findings {
		if !f.Informational {
			return DecisionReject
		}
	}
	return DecisionAccept
}

// Errors — сообщения нарушений.
func (e *Evaluation) Errors() []string {
	out := []string{}
	for _, f := range e.Findings {
		if !f.Informational {
			out = append(out, f.Message)
		}
	}
	return out
}

// Warnings — информационные сообщения.
func (e *Evaluation) Warnings() []string {
	out := []string{}
	for _, f := range e.Findings {
		if f.Informational {
			out = append(out, f.Message)
		}
	}
	return out
}

// HasFinding сообщает, есть ли находка вида kind.
func (e *Evaluation) HasFinding(kind model.FindingKind) bool {
	for _, f := range e.Findings {
		if f.Kind == kind {
			return true
		}
	}
	return false
}

// Result формирует ответ проверки.
func (e *Evaluation) Result() Result {
	d := e.Decision()
	return Result{
		IsValid:     d == DecisionAccept,
		Errors:      e.Errors(),
		Warnings:    e.Warnings(),
		RiskLevel:   e.Assessment.Level,
		RiskScore:   e.Assessment.Score,
		Quarantined: d == DecisionQuarantine,
	}
}
