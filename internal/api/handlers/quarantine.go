// quarantine.go — просмотр и разрешение записей карантина (только admin).
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	apierrors "github.com/scoutledger/receipt-module/internal/api/errors"
	"github.com/scoutledger/receipt-module/internal/api/middleware"
	"github.com/scoutledger/receipt-module/internal/domain/model"
	"github.com/scoutledger/receipt-module/internal/repository"
	"github.com/scoutledger/receipt-module/internal/service"
)

// quarantineDTO — запись карантина с вычисляемыми полями.
type quarantineDTO struct {
	ID                      string                 `json:"id"`
	OriginalFilename        string                 `json:"original_filename"`
	SanitizedFilename       string                 `json:"sanitized_filename"`
	MimeType                string                 `json:"mime_type"`
	Size                    int64                  `json:"size"`
	ContentHash             string                 `json:"content_hash"`
	Status                  model.QuarantineStatus `json:"status"`
	Risk                    model.RiskInfo         `json:"risk"`
	Errors                  []string               `json:"errors"`
	Warnings                []string               `json:"warnings"`
	QuarantinedAt           time.Time              `json:"quarantined_at"`
	ExpirationDate          time.Time              `json:"expiration_date"`
	TimeInQuarantineSeconds int64                  `json:"time_in_quarantine_seconds"`
	DaysUntilExpiration     int                    `json:"days_until_expiration"`
	IsExpired               bool                   `json:"is_expired"`
	Security                model.SecurityContext  `json:"security_context"`
	Processing              *model.ProcessingInfo  `json:"processing_info,omitempty"`
	Approval                *model.ApprovalInfo    `json:"approval_info,omitempty"`
	RelatedRecordID         *string                `json:"related_record_id,omitempty"`
	RelatedRecordType       *string                `json:"related_record_type,omitempty"`
}

func toQuarantineDTO(rec *model.QuarantineRecord, now time.Time) quarantineDTO {
	return quarantineDTO{
		ID:                      rec.ID,
		OriginalFilename:        rec.OriginalFilename,
		SanitizedFilename:       rec.SanitizedFilename,
		MimeType:                rec.MimeType,
		Size:                    rec.Size,
		ContentHash:             rec.ContentHash,
		Status:                  rec.Status,
		Risk:                    rec.RiskInfo(),
		Errors:                  nonNil(rec.Errors),
		Warnings:                nonNil(rec.Warnings),
		QuarantinedAt:           rec.QuarantinedAt,
		ExpirationDate:          rec.ExpirationDate,
		TimeInQuarantineSeconds: int64(rec.TimeInQuarantine(now).Seconds()),
		DaysUntilExpiration:     rec.DaysUntilExpiration(now),
		IsExpired:               rec.IsExpired(now),
		Security:                rec.Security,
		Processing:              rec.Processing,
		Approval:                rec.Approval,
		RelatedRecordID:         rec.RelatedRecordID,
		RelatedRecordType:       rec.RelatedRecordType,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

type statsDTO struct {
	Total         int                            `json:"total"`
	ByStatus      map[model.QuarantineStatus]int `json:"by_status"`
	PendingByRisk map[model.RiskLevel]int        `json:"pending_by_risk"`
	ExpiringSoon  int                            `json:"expiring_soon"`
}

// resolveRequest — тело approve/reject.
type resolveRequest struct {
	Reason string `json:"reason"`
	Notes  string `json:"notes"`
}

// ListQuarantine обрабатывает GET /api/v1/quarantine.
func (h *APIHandler) ListQuarantine(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := bindPagination(w, r)
	if !ok {
		return
	}

	var filters repository.QuarantineListFilters
	status, ok := bindOptionalString(w, r, "status")
	if !ok {
		return
	}
	if status != nil {
		s := model.QuarantineStatus(*status)
		filters.Status = &s
	}
	risk, ok := bindOptionalString(w, r, "risk_level")
	if !ok {
		return
	}
	if risk != nil {
		l := model.RiskLevel(*risk)
		filters.RiskLevel = &l
	}
	if filters.RelatedRecordID, ok = bindOptionalString(w, r, "related_record_id"); !ok {
		return
	}

	items, total, err := h.review.List(r.Context(), filters, limit, offset)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	now := time.Now().UTC()
	dtos := make([]quarantineDTO, 0, len(items))
	for _, rec := range items {
		dtos = append(dtos, toQuarantineDTO(rec, now))
	}
	writeJSON(w, http.StatusOK, newListResponse(dtos, total, limit, offset))
}

// QuarantineStats обрабатывает GET /api/v1/quarantine/stats.
func (h *APIHandler) QuarantineStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.review.Stats(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statsDTO{
		Total:         st.Total,
		ByStatus:      st.ByStatus,
		PendingByRisk: st.PendingByRisk,
		ExpiringSoon:  st.ExpiringSoon,
	})
}

// GetQuarantineRecord обрабатывает GET /api/v1/quarantine/{record_id}.
func (h *APIHandler) GetQuarantineRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := bindUUIDParam(w, r, "record_id")
	if !ok {
		return
	}
	rec, err := h.review.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toQuarantineDTO(rec, time.Now().UTC()))
}

// ApproveQuarantine обрабатывает POST /api/v1/quarantine/{record_id}/approve.
// Тело необязательно.
func (h *APIHandler) ApproveQuarantine(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, h.review.Approve)
}

// RejectQuarantine обрабатывает POST /api/v1/quarantine/{record_id}/reject.
// Причина обязательна.
func (h *APIHandler) RejectQuarantine(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, h.review.Reject)
}

type resolveFunc func(ctx context.Context, id string, d service.ReviewDecision) (*model.QuarantineRecord, error)

func (h *APIHandler) resolve(w http.ResponseWriter, r *http.Request, fn resolveFunc) {
	id, ok := bindUUIDParam(w, r, "record_id")
	if !ok {
		return
	}

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		apierrors.ValidationError(w, "JSON inválido: "+err.Error())
		return
	}

	rec, err := fn(r.Context(), id, service.ReviewDecision{
		Reviewer: middleware.SecurityContext(r).Username,
		Reason:   req.Reason,
		Notes:    req.Notes,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toQuarantineDTO(rec, time.Now().UTC()))
}
